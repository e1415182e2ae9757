package gateway

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

var errChatUnavailable = connect.NewError(connect.CodeUnavailable, errors.New("messaging is not available yet"))

// handleInbound processes one client frame. Every inbound frame counts as a heartbeat;
// processing errors are answered with an error frame and never close the connection.
func (cm *connectionManager) handleInbound(ctx context.Context, conn *Connection, frame *models.Frame) {
	conn.touch()

	if !conn.AllowInbound() {
		telemetry.InboundRateLimitedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": conn.id,
			"user_id":       conn.userID,
		}).Warn("request rate limited")
		cm.replyError(ctx, conn, frame.ID, connect.NewError(connect.CodeResourceExhausted, ErrRateLimited))
		return
	}

	var err error
	switch frame.Type {
	case models.FrameHeartbeat:
		err = cm.reply(ctx, conn, models.FrameHeartbeat, frame.ID, nil)
	case models.FrameMessage:
		err = cm.processPost(ctx, conn, frame)
	case models.FrameAck:
		err = cm.processAcknowledgement(ctx, conn, frame)
	case models.FramePresence:
		err = cm.processPresenceQuery(ctx, conn, frame)
	default:
		err = service.ValidationError("unsupported frame type %q", frame.Type)
	}

	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.id,
			"frame_type":    string(frame.Type),
			"error_type":    "inbound.processing.error",
		}).Debug("inbound frame failed")
		cm.replyError(ctx, conn, frame.ID, err)
	}
}

// processPost commits a message. The ack for a fresh message reaches the sender through
// the router's echo; a duplicate is acknowledged here because nothing is routed.
func (cm *connectionManager) processPost(ctx context.Context, conn *Connection, frame *models.Frame) error {
	chat := cm.chat
	if chat == nil {
		return errChatUnavailable
	}

	var payload models.PostPayload
	if err := frame.Decode(&payload); err != nil {
		return service.ValidationError("%s", err.Error())
	}

	idempotencyKey := payload.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = frame.ID
	}

	// Once accepted a post must not be lost to a disconnect of its sender.
	message, err := chat.PostMessage(context.WithoutCancel(ctx), &business.PostMessageRequest{
		ConversationID: payload.ConversationID,
		SenderID:       conn.userID,
		Body:           payload.Body,
		MediaRefs:      payload.MediaRefs,
		IdempotencyKey: idempotencyKey,
	})
	if errors.Is(err, service.ErrDuplicatePost) && message != nil {
		return cm.reply(ctx, conn, models.FrameAck, frame.ID, models.AckPayload{
			ConversationID: message.ConversationID,
			MessageID:      message.GetID(),
			UpToSequence:   message.Sequence,
		})
	}
	return err
}

func (cm *connectionManager) processAcknowledgement(ctx context.Context, conn *Connection, frame *models.Frame) error {
	chat := cm.chat
	if chat == nil {
		return errChatUnavailable
	}

	var payload models.AckPayload
	if err := frame.Decode(&payload); err != nil {
		return service.ValidationError("%s", err.Error())
	}

	stored, err := chat.Acknowledge(ctx, payload.ConversationID, conn.userID, payload.UpToSequence)
	if err != nil {
		return err
	}

	return cm.reply(ctx, conn, models.FrameAck, frame.ID, models.AckPayload{
		ConversationID: payload.ConversationID,
		UpToSequence:   stored,
	})
}

func (cm *connectionManager) processPresenceQuery(ctx context.Context, conn *Connection, frame *models.Frame) error {
	chat := cm.chat
	if chat == nil {
		return errChatUnavailable
	}

	var query models.PresenceQuery
	if err := frame.Decode(&query); err != nil {
		return service.ValidationError("%s", err.Error())
	}

	return cm.reply(ctx, conn, models.FramePresence, frame.ID, models.PresenceSnapshot{
		Users: chat.PresenceOf(ctx, query.UserIDs),
	})
}

func (cm *connectionManager) reply(
	ctx context.Context,
	conn *Connection,
	frameType models.FrameType,
	id string,
	payload any,
) error {
	out, err := models.NewFrame(frameType, id, payload)
	if err != nil {
		return err
	}
	if err = cm.Send(ctx, conn.id, out); err != nil && !errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return nil
}

func (cm *connectionManager) replyError(ctx context.Context, conn *Connection, id string, cause error) {
	payload := models.ErrorPayload{
		Code:    connect.CodeOf(cause).String(),
		Message: cause.Error(),
	}

	var connectErr *connect.Error
	if errors.As(cause, &connectErr) {
		payload.Message = connectErr.Message()
	}

	_ = cm.reply(ctx, conn, models.FrameError, id, payload)
}
