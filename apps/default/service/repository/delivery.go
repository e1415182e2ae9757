package repository

import (
	"context"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

type deliveryRepository struct {
	provider DBProvider
}

// NewDeliveryRepository creates a delivery repository over the given datastore.
func NewDeliveryRepository(provider DBProvider) DeliveryRepository {
	return &deliveryRepository{provider: provider}
}

func (dr *deliveryRepository) Get(ctx context.Context, messageID, recipientID string) (*models.Delivery, error) {
	delivery := &models.Delivery{}
	err := dr.provider.DB(ctx, true).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		First(delivery).Error
	if err != nil {
		return nil, translate(err)
	}
	return delivery, nil
}

func (dr *deliveryRepository) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	return dr.provider.DB(ctx, false).
		Model(&models.Delivery{}).
		Where("message_id = ? AND recipient_id = ? AND status = ?", messageID, recipientID, models.DeliveryPending).
		Update("status", models.DeliveryDelivered).Error
}

func (dr *deliveryRepository) PendingForRecipient(
	ctx context.Context,
	recipientID string,
	after PendingCursor,
	limit int,
) ([]*models.Message, error) {
	var messages []*models.Message
	query := dr.provider.DB(ctx, true).
		Model(&models.Message{}).
		Joins("JOIN deliveries ON deliveries.message_id = messages.id").
		Where("deliveries.recipient_id = ? AND deliveries.status = ?", recipientID, models.DeliveryPending).
		Where("(messages.conversation_id > ? OR (messages.conversation_id = ? AND messages.sequence > ?))",
			after.ConversationID, after.ConversationID, after.Sequence).
		Order("messages.conversation_id ASC").
		Order("messages.sequence ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&messages).Error
	return messages, err
}

func (dr *deliveryRepository) AcknowledgeThrough(
	ctx context.Context,
	conversationID, recipientID string,
	upToSequence int64,
) (int64, error) {
	res := dr.provider.DB(ctx, false).
		Model(&models.Delivery{}).
		Where("conversation_id = ? AND recipient_id = ? AND sequence <= ? AND status <> ?",
			conversationID, recipientID, upToSequence, models.DeliveryAcknowledged).
		Update("status", models.DeliveryAcknowledged)
	return res.RowsAffected, res.Error
}

func (dr *deliveryRepository) CountByStatus(
	ctx context.Context,
	recipientID string,
	status models.DeliveryStatus,
) (int64, error) {
	var count int64
	err := dr.provider.DB(ctx, true).
		Model(&models.Delivery{}).
		Where("recipient_id = ? AND status = ?", recipientID, status).
		Count(&count).Error
	return count, err
}
