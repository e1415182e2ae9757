package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLastActiveParticipant refuses a leave that would empty a conversation.
	ErrLastActiveParticipant = errors.New("conversation would have no active participants")
)

// DBProvider hands out gorm sessions. The frame datastore pool satisfies it.
type DBProvider interface {
	DB(ctx context.Context, readOnly bool) *gorm.DB
}

// ConversationRepository manages conversations and their membership.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation, participantIDs []string) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*models.Participant, error)
	IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	CountActiveParticipants(ctx context.Context, conversationID string) (int64, error)
	// AddParticipant activates userID, recording a join event. Re-adding an active participant is a no-op.
	AddParticipant(ctx context.Context, conversationID, userID, actorID string) (bool, error)
	// RemoveParticipant deactivates userID, recording a leave event.
	RemoveParticipant(ctx context.Context, conversationID, userID, actorID string) error
	MembershipHistory(ctx context.Context, conversationID string) ([]*models.MembershipEvent, error)
	// CoParticipantIDs lists users sharing at least one active conversation with userID.
	CoParticipantIDs(ctx context.Context, userID string) ([]string, error)
}

// CommitResult is the outcome of persisting one post.
type CommitResult struct {
	Message    *models.Message
	Recipients []string
	Duplicate  bool
}

// MessageRepository owns the ordered message log.
type MessageRepository interface {
	// Commit assigns the next sequence and persists the message, one pending
	// delivery per recipient and the idempotency record in one transaction.
	Commit(ctx context.Context, message *models.Message, idempotencyKey string) (*CommitResult, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	// History returns up to limit messages with sequence > afterSequence in ascending order.
	History(ctx context.Context, conversationID string, afterSequence int64, limit int) ([]*models.Message, error)
	// Prune removes messages with sequence <= throughSequence and returns how many went.
	Prune(ctx context.Context, conversationID string, throughSequence int64) (int64, error)
}

// DeliveryRepository tracks per-recipient delivery state.
type DeliveryRepository interface {
	Get(ctx context.Context, messageID, recipientID string) (*models.Delivery, error)
	// MarkDelivered moves a pending delivery to delivered. Other states are left alone.
	MarkDelivered(ctx context.Context, messageID, recipientID string) error
	// PendingForRecipient lists messages still pending for recipientID that sort
	// after the cursor, ordered by conversation then sequence.
	PendingForRecipient(
		ctx context.Context,
		recipientID string,
		after PendingCursor,
		limit int,
	) ([]*models.Message, error)
	// AcknowledgeThrough marks every delivery up to the sequence as acknowledged.
	AcknowledgeThrough(ctx context.Context, conversationID, recipientID string, upToSequence int64) (int64, error)
	CountByStatus(ctx context.Context, recipientID string, status models.DeliveryStatus) (int64, error)
}

// PendingCursor is a keyset position in the pending delivery listing.
// The zero value starts from the beginning.
type PendingCursor struct {
	ConversationID string
	Sequence       int64
}

// CursorAfter returns the cursor positioned after msg.
func CursorAfter(msg *models.Message) PendingCursor {
	return PendingCursor{ConversationID: msg.ConversationID, Sequence: msg.Sequence}
}

// ReadMarkerRepository stores monotonic read markers.
type ReadMarkerRepository interface {
	Get(ctx context.Context, conversationID, userID string) (int64, error)
	// Advance raises the marker to upToSequence if that is higher and returns the stored value.
	Advance(ctx context.Context, conversationID, userID string, upToSequence int64) (int64, error)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
