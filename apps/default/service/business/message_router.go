package business

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/apps/default/service/repository"
	rtel "github.com/antinvestor/service-realtime/internal/telemetry"
)

const markDeliveredTimeout = 5 * time.Second

type messageRouter struct {
	locks       *conversationLocks
	messageRepo repository.MessageRepository
	delivery    repository.DeliveryRepository
	presence    *PresenceTracker
	sender      FrameSender
	fanoutLimit int
}

// NewMessageRouter creates a router. Commits and fan-out for one conversation
// happen under a single conversation lock so every connection sees that
// conversation's live messages in sequence order.
func NewMessageRouter(
	messageRepo repository.MessageRepository,
	deliveryRepo repository.DeliveryRepository,
	presence *PresenceTracker,
	sender FrameSender,
	fanoutLimit int,
) MessageRouter {
	if fanoutLimit <= 0 {
		fanoutLimit = 1
	}
	return &messageRouter{
		locks:       newConversationLocks(),
		messageRepo: messageRepo,
		delivery:    deliveryRepo,
		presence:    presence,
		sender:      sender,
		fanoutLimit: fanoutLimit,
	}
}

func (mr *messageRouter) Route(
	ctx context.Context,
	message *models.Message,
	idempotencyKey string,
) (_ *RoutingResult, err error) {
	ctx, span := rtel.RouteTracer.Start(ctx, "RouteMessage")
	defer func() { rtel.RouteTracer.End(ctx, span, err) }()

	start := time.Now()
	unlock := mr.locks.Lock(message.ConversationID)
	defer unlock()

	committed, err := mr.messageRepo.Commit(ctx, message, idempotencyKey)
	if err != nil {
		return nil, err
	}

	result := &RoutingResult{
		Message:    committed.Message,
		Recipients: committed.Recipients,
		Duplicate:  committed.Duplicate,
	}
	if committed.Duplicate {
		rtel.MessagesDuplicateCounter.Add(ctx, 1)
		return result, nil
	}

	// The message is durable from here on; a cancelled caller must not stop delivery.
	fanCtx := context.WithoutCancel(ctx)
	result.Delivered, result.Pending = mr.fanOut(fanCtx, committed.Message, committed.Recipients)
	mr.echoToSender(fanCtx, committed.Message)

	rtel.MessagesPostedCounter.Add(ctx, 1)
	rtel.RouteLatencyHistogram.Record(ctx, float64(time.Since(start).Milliseconds()))

	util.Log(ctx).WithFields(map[string]any{
		"conversation_id": committed.Message.ConversationID,
		"message_id":      committed.Message.GetID(),
		"sequence":        committed.Message.Sequence,
		"recipients":      len(committed.Recipients),
		"delivered":       result.Delivered,
		"pending":         result.Pending,
	}).Debug("message routed")

	return result, nil
}

func (mr *messageRouter) fanOut(ctx context.Context, message *models.Message, recipients []string) (int, int) {
	var delivered, pending atomic.Int64

	var g errgroup.Group
	g.SetLimit(mr.fanoutLimit)

	for _, recipientID := range recipients {
		g.Go(func() error {
			if mr.deliverTo(ctx, message, recipientID) {
				delivered.Add(1)
			} else {
				pending.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rtel.DeliveriesPendingCounter.Add(ctx, pending.Load())
	return int(delivered.Load()), int(pending.Load())
}

// deliverTo enqueues the message on every live connection of recipientID and
// reports whether at least one accepted it.
func (mr *messageRouter) deliverTo(ctx context.Context, message *models.Message, recipientID string) bool {
	connections := mr.presence.ConnectionsFor(recipientID)
	if len(connections) == 0 {
		return false
	}

	accepted := false
	for _, connectionID := range connections {
		frame, err := messageFrame(ctx, message, recipientID, mr.delivery)
		if err != nil {
			util.Log(ctx).WithError(err).Error("could not encode message frame")
			return false
		}

		if err = mr.sender.Send(ctx, connectionID, frame); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"recipient_id":  recipientID,
				"connection_id": connectionID,
				"message_id":    message.GetID(),
			}).Debug("connection did not accept message")
			continue
		}
		accepted = true
		rtel.DeliveriesEnqueuedCounter.Add(ctx, 1)
	}
	return accepted
}

func (mr *messageRouter) echoToSender(ctx context.Context, message *models.Message) {
	frame, err := models.NewFrame(models.FrameAck, message.GetID(), models.AckPayload{
		ConversationID: message.ConversationID,
		MessageID:      message.GetID(),
		UpToSequence:   message.Sequence,
	})
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not encode ack frame")
		return
	}

	for _, connectionID := range mr.presence.ConnectionsFor(message.SenderID) {
		_ = mr.sender.Send(ctx, connectionID, frame)
	}
}

// messageFrame builds a message frame whose write marks the recipient's delivery as delivered.
func messageFrame(
	ctx context.Context,
	message *models.Message,
	recipientID string,
	deliveryRepo repository.DeliveryRepository,
) (*models.Frame, error) {
	frame, err := models.NewFrame(models.FrameMessage, message.GetID(), message)
	if err != nil {
		return nil, err
	}

	messageID := message.GetID()
	frame.OnWritten = func() {
		markCtx, cancel := context.WithTimeout(ctx, markDeliveredTimeout)
		defer cancel()

		rtel.DeliveriesWrittenCounter.Add(markCtx, 1)
		if markErr := deliveryRepo.MarkDelivered(markCtx, messageID, recipientID); markErr != nil {
			util.Log(markCtx).WithError(markErr).WithFields(map[string]any{
				"message_id":   messageID,
				"recipient_id": recipientID,
			}).Warn("could not mark delivery as delivered")
		}
	}
	return frame, nil
}
