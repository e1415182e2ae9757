package business

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/antinvestor/service-realtime/apps/default/config"
	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/apps/default/service/repository"
	rtel "github.com/antinvestor/service-realtime/internal/telemetry"
)

const directoryLookupConcurrency = 8

type chatBusiness struct {
	cfg *config.RealtimeConfig

	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	deliveryRepo     repository.DeliveryRepository
	readMarkerRepo   repository.ReadMarkerRepository

	directory UserDirectory
	media     MediaResolver
	router    MessageRouter
	presence  *PresenceTracker
	sender    FrameSender
}

// NewChatBusiness wires the messaging surface over its repositories and collaborators.
func NewChatBusiness(
	cfg *config.RealtimeConfig,
	conversationRepo repository.ConversationRepository,
	messageRepo repository.MessageRepository,
	deliveryRepo repository.DeliveryRepository,
	readMarkerRepo repository.ReadMarkerRepository,
	directory UserDirectory,
	media MediaResolver,
	router MessageRouter,
	presence *PresenceTracker,
	sender FrameSender,
) ChatBusiness {
	return &chatBusiness{
		cfg:              cfg,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		deliveryRepo:     deliveryRepo,
		readMarkerRepo:   readMarkerRepo,
		directory:        directory,
		media:            media,
		router:           router,
		presence:         presence,
		sender:           sender,
	}
}

func (cb *chatBusiness) CreateConversation(
	ctx context.Context,
	creatorID, title string,
	participantIDs []string,
) (_ *models.ConversationDetail, err error) {
	ctx, span := rtel.ConversationTracer.Start(ctx, "CreateConversation")
	defer func() { rtel.ConversationTracer.End(ctx, span, err) }()

	members := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == creatorID || slices.Contains(members, id) {
			continue
		}
		members = append(members, id)
	}
	if len(members) == 0 {
		return nil, service.ErrParticipantsRequired
	}
	if len(members)+1 > cb.cfg.MaxParticipants {
		return nil, service.ErrTooManyParticipants
	}

	if err = cb.ensureUsersExist(ctx, members); err != nil {
		return nil, err
	}

	conversation := &models.Conversation{Title: strings.TrimSpace(title), CreatedBy: creatorID}
	if err = cb.conversationRepo.Create(ctx, conversation, members); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	util.Log(ctx).WithFields(map[string]any{
		"conversation_id": conversation.GetID(),
		"created_by":      creatorID,
		"participants":    len(members) + 1,
	}).Info("conversation created")

	return cb.detail(ctx, conversation)
}

func (cb *chatBusiness) GetConversation(
	ctx context.Context,
	conversationID, requesterID string,
) (*models.ConversationDetail, error) {
	conversation, err := cb.requireParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	return cb.detail(ctx, conversation)
}

func (cb *chatBusiness) AddParticipant(ctx context.Context, conversationID, actorID, userID string) (err error) {
	ctx, span := rtel.ConversationTracer.Start(ctx, "AddParticipant")
	defer func() { rtel.ConversationTracer.End(ctx, span, err) }()

	if userID == "" {
		return service.ValidationError("user ID is required")
	}
	if _, err = cb.requireParticipant(ctx, conversationID, actorID); err != nil {
		return err
	}

	count, err := cb.conversationRepo.CountActiveParticipants(ctx, conversationID)
	if err != nil {
		return err
	}
	if int(count) >= cb.cfg.MaxParticipants {
		return service.ErrTooManyParticipants
	}

	if err = cb.ensureUsersExist(ctx, []string{userID}); err != nil {
		return err
	}

	added, err := cb.conversationRepo.AddParticipant(ctx, conversationID, userID, actorID)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	if added {
		util.Log(ctx).WithFields(map[string]any{
			"conversation_id": conversationID,
			"user_id":         userID,
			"actor_id":        actorID,
		}).Info("participant joined")
	}
	return nil
}

// RemoveParticipant lets a user leave, or the creator remove someone else.
func (cb *chatBusiness) RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) (err error) {
	ctx, span := rtel.ConversationTracer.Start(ctx, "RemoveParticipant")
	defer func() { rtel.ConversationTracer.End(ctx, span, err) }()

	conversation, err := cb.requireParticipant(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if actorID != userID && actorID != conversation.CreatedBy {
		return service.ErrForbidden
	}

	err = cb.conversationRepo.RemoveParticipant(ctx, conversationID, userID, actorID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return service.ErrParticipantNotFound
	case errors.Is(err, repository.ErrLastActiveParticipant):
		return service.ErrLastParticipant
	case err != nil:
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	util.Log(ctx).WithFields(map[string]any{
		"conversation_id": conversationID,
		"user_id":         userID,
		"actor_id":        actorID,
	}).Info("participant left")
	return nil
}

func (cb *chatBusiness) PostMessage(ctx context.Context, req *PostMessageRequest) (_ *models.Message, err error) {
	ctx, span := rtel.MessageTracer.Start(ctx, "PostMessage")
	defer func() { rtel.MessageTracer.End(ctx, span, err) }()

	defer func() {
		if err != nil && !errors.Is(err, service.ErrDuplicatePost) {
			rtel.MessagesRejectedCounter.Add(ctx, 1)
		}
	}()

	if err = cb.validatePost(req); err != nil {
		return nil, err
	}
	if _, err = cb.requireParticipant(ctx, req.ConversationID, req.SenderID); err != nil {
		return nil, err
	}

	// Media is checked before a sequence is assigned so a rejected post leaves no gap.
	media, err := cb.media.ResolveAll(ctx, req.MediaRefs, req.SenderID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	message := &models.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Body:           req.Body,
		Media:          media,
	}

	result, err := cb.router.Route(ctx, message, strings.TrimSpace(req.IdempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	if result.Duplicate {
		return result.Message, service.ErrDuplicatePost
	}
	return result.Message, nil
}

func (cb *chatBusiness) validatePost(req *PostMessageRequest) error {
	if req.ConversationID == "" {
		return service.ErrConversationIDRequired
	}
	if strings.TrimSpace(req.Body) == "" && len(req.MediaRefs) == 0 {
		return service.ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Body) > cb.cfg.MaxBodyLength {
		return service.ErrMessageTooLong
	}
	if len(req.MediaRefs) > cb.cfg.MaxMediaPerMessage {
		return service.ErrTooManyMedia
	}
	if len(strings.TrimSpace(req.IdempotencyKey)) > models.MaxIdempotencyKeyLength {
		return service.ErrIdempotencyKeyLong
	}
	return nil
}

func (cb *chatBusiness) HistoryPageSize(limit int) int {
	switch {
	case limit <= 0:
		return cb.cfg.HistoryDefaultPageSize
	case limit > cb.cfg.HistoryMaxPageSize:
		return cb.cfg.HistoryMaxPageSize
	default:
		return limit
	}
}

func (cb *chatBusiness) FetchHistory(
	ctx context.Context,
	conversationID, requesterID string,
	afterSequence int64,
	limit int,
) ([]*models.Message, error) {
	if afterSequence < 0 {
		return nil, service.ErrInvalidSequence
	}
	if _, err := cb.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	messages, err := cb.messageRepo.History(ctx, conversationID, afterSequence, cb.HistoryPageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	rtel.HistoryFetchCounter.Add(ctx, 1)
	return messages, nil
}

// Acknowledge clamps upToSequence to the conversation's last sequence. A lower
// value than the stored marker leaves the marker unchanged.
func (cb *chatBusiness) Acknowledge(
	ctx context.Context,
	conversationID, userID string,
	upToSequence int64,
) (int64, error) {
	if upToSequence < 0 {
		return 0, service.ErrInvalidSequence
	}
	conversation, err := cb.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	upToSequence = min(upToSequence, conversation.LastSequence)

	stored, err := cb.readMarkerRepo.Advance(ctx, conversationID, userID, upToSequence)
	if err != nil {
		return 0, fmt.Errorf("failed to advance read marker: %w", err)
	}

	if _, err = cb.deliveryRepo.AcknowledgeThrough(ctx, conversationID, userID, stored); err != nil {
		return 0, fmt.Errorf("failed to acknowledge deliveries: %w", err)
	}

	rtel.AcknowledgementsCounter.Add(ctx, 1)
	return stored, nil
}

func (cb *chatBusiness) ReadMarker(ctx context.Context, conversationID, userID string) (int64, error) {
	if _, err := cb.requireParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return cb.readMarkerRepo.Get(ctx, conversationID, userID)
}

func (cb *chatBusiness) PruneHistory(
	ctx context.Context,
	conversationID, requesterID string,
	throughSequence int64,
) (int64, error) {
	if throughSequence < 0 {
		return 0, service.ErrInvalidSequence
	}
	conversation, err := cb.requireParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return 0, err
	}
	if conversation.CreatedBy != requesterID {
		return 0, service.ErrPruneDenied
	}

	removed, err := cb.messageRepo.Prune(ctx, conversationID, throughSequence)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	util.Log(ctx).WithFields(map[string]any{
		"conversation_id": conversationID,
		"through":         throughSequence,
		"removed":         removed,
	}).Info("history pruned")
	return removed, nil
}

func (cb *chatBusiness) PresenceOf(_ context.Context, userIDs []string) []models.PresencePayload {
	out := make([]models.PresencePayload, 0, len(userIDs))
	for _, id := range userIDs {
		status := models.PresenceOffline
		if cb.presence.IsOnline(id) {
			status = models.PresenceOnline
		}
		out = append(out, models.PresencePayload{UserID: id, Status: status})
	}
	return out
}

func (cb *chatBusiness) PresenceChanged(ctx context.Context, userID string, status models.PresenceStatus) {
	rtel.PresenceTransitionsCounter.Add(ctx, 1)

	peers, err := cb.conversationRepo.CoParticipantIDs(ctx, userID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("user_id", userID).Warn("could not list co-participants")
		return
	}

	frame, err := models.NewFrame(models.FramePresence, "", models.PresencePayload{UserID: userID, Status: status})
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not encode presence frame")
		return
	}

	for _, peer := range peers {
		for _, connectionID := range cb.presence.ConnectionsFor(peer) {
			_ = cb.sender.Send(ctx, connectionID, frame)
		}
	}
}

// ResyncPending pages through the user's pending deliveries oldest first and
// stops at the first frame deliver refuses. Refused deliveries stay pending.
func (cb *chatBusiness) ResyncPending(
	ctx context.Context,
	userID string,
	deliver func(context.Context, *models.Frame) error,
) (int, error) {
	var (
		cursor repository.PendingCursor
		sent   int
	)

	for {
		page, err := cb.deliveryRepo.PendingForRecipient(ctx, userID, cursor, cb.cfg.ResyncBatchSize)
		if err != nil {
			return sent, fmt.Errorf("failed to load pending deliveries: %w", err)
		}

		for _, message := range page {
			frame, frameErr := messageFrame(ctx, message, userID, cb.deliveryRepo)
			if frameErr != nil {
				return sent, frameErr
			}
			if err = deliver(ctx, frame); err != nil {
				rtel.DeliveriesResyncedCounter.Add(ctx, int64(sent))
				return sent, err
			}
			sent++
		}

		if len(page) < cb.cfg.ResyncBatchSize {
			break
		}
		cursor = repository.CursorAfter(page[len(page)-1])
	}

	rtel.DeliveriesResyncedCounter.Add(ctx, int64(sent))
	if sent > 0 {
		util.Log(ctx).WithFields(map[string]any{
			"user_id": userID,
			"count":   sent,
		}).Debug("pending deliveries replayed")
	}
	return sent, nil
}

func (cb *chatBusiness) requireParticipant(
	ctx context.Context,
	conversationID, userID string,
) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, service.ErrConversationIDRequired
	}

	conversation, err := cb.conversationRepo.GetByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, service.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	active, err := cb.conversationRepo.IsActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, service.ErrForbidden
	}
	return conversation, nil
}

func (cb *chatBusiness) ensureUsersExist(ctx context.Context, userIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(directoryLookupConcurrency)

	for _, id := range userIDs {
		g.Go(func() error {
			exists, err := cb.directory.Exists(gctx, id)
			if err != nil {
				return fmt.Errorf("%w: %w", service.ErrUserDirectoryUnavailable, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", service.ErrUnknownUser, id)
			}
			return nil
		})
	}
	return g.Wait()
}

func (cb *chatBusiness) detail(
	ctx context.Context,
	conversation *models.Conversation,
) (*models.ConversationDetail, error) {
	participants, err := cb.conversationRepo.ActiveParticipantIDs(ctx, conversation.GetID())
	if err != nil {
		return nil, err
	}
	return &models.ConversationDetail{Conversation: conversation, Participants: participants}, nil
}
