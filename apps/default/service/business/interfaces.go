package business

import (
	"context"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

// MediaResolver validates client media references against the media store.
type MediaResolver interface {
	// Resolve returns the stored description of ref once requesterID is allowed to attach it
	// to conversationID.
	Resolve(
		ctx context.Context,
		ref models.MediaReference,
		requesterID, conversationID string,
	) (models.MediaReference, error)
	// ResolveAll resolves refs and keeps their order.
	ResolveAll(
		ctx context.Context,
		refs []models.MediaReference,
		requesterID, conversationID string,
	) ([]models.MediaReference, error)
}

// RoutingResult reports what happened to one routed message.
type RoutingResult struct {
	Message    *models.Message
	Recipients []string
	Duplicate  bool
	// Delivered counts recipients with at least one connection that accepted the frame.
	Delivered int
	// Pending counts recipients left for resync.
	Pending int
}

// MessageRouter assigns sequences and fans committed messages out to live connections.
type MessageRouter interface {
	Route(ctx context.Context, message *models.Message, idempotencyKey string) (*RoutingResult, error)
}

// PostMessageRequest carries one post from a client.
type PostMessageRequest struct {
	ConversationID string
	SenderID       string
	Body           string
	MediaRefs      []models.MediaReference
	IdempotencyKey string
}

// ChatBusiness is the client-facing messaging surface shared by the REST and realtime transports.
type ChatBusiness interface {
	// CreateConversation opens a conversation between creatorID and participantIDs.
	CreateConversation(
		ctx context.Context,
		creatorID, title string,
		participantIDs []string,
	) (*models.ConversationDetail, error)
	// GetConversation returns the conversation with its active participants.
	GetConversation(ctx context.Context, conversationID, requesterID string) (*models.ConversationDetail, error)
	AddParticipant(ctx context.Context, conversationID, actorID, userID string) error
	RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) error

	// PostMessage validates, commits and routes a message. A repeated idempotency key
	// returns the original message together with ErrDuplicatePost.
	PostMessage(ctx context.Context, req *PostMessageRequest) (*models.Message, error)
	// FetchHistory pages through the log in ascending sequence order. It never changes state.
	FetchHistory(
		ctx context.Context,
		conversationID, requesterID string,
		afterSequence int64,
		limit int,
	) ([]*models.Message, error)
	// HistoryPageSize is the page size FetchHistory applies for a requested limit.
	HistoryPageSize(limit int) int
	// Acknowledge advances the user's read marker and returns the stored value.
	Acknowledge(ctx context.Context, conversationID, userID string, upToSequence int64) (int64, error)
	ReadMarker(ctx context.Context, conversationID, userID string) (int64, error)
	// PruneHistory drops messages up to throughSequence. Only the creator may prune.
	PruneHistory(ctx context.Context, conversationID, requesterID string, throughSequence int64) (int64, error)

	PresenceOf(ctx context.Context, userIDs []string) []models.PresencePayload
	// PresenceChanged tells every co-participant of userID about a presence transition.
	PresenceChanged(ctx context.Context, userID string, status models.PresenceStatus)
	// ResyncPending replays pending deliveries for userID through deliver and returns how many were handed over.
	ResyncPending(ctx context.Context, userID string, deliver func(context.Context, *models.Frame) error) (int, error)
}
