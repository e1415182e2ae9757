package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

type messageRepository struct {
	provider DBProvider
}

// NewMessageRepository creates a message repository over the given datastore.
func NewMessageRepository(provider DBProvider) MessageRepository {
	return &messageRepository{provider: provider}
}

// Commit is the single point where sequences are assigned. The conversation
// row lock serialises concurrent commits, so the counter read and the
// counter write can never interleave with another writer.
func (mr *messageRepository) Commit(
	ctx context.Context,
	message *models.Message,
	idempotencyKey string,
) (*CommitResult, error) {
	result := &CommitResult{}

	err := mr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		conversation, err := lockConversation(tx, message.ConversationID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			existing, lookupErr := findIdempotentMessage(tx, message, idempotencyKey)
			if lookupErr != nil {
				return lookupErr
			}
			if existing != nil {
				result.Message = existing
				result.Duplicate = true
				return nil
			}
		}

		var recipients []string
		if err = tx.Model(&models.Participant{}).
			Where("conversation_id = ? AND active = ? AND user_id <> ?", message.ConversationID, true, message.SenderID).
			Order("joined_at ASC").
			Pluck("user_id", &recipients).Error; err != nil {
			return fmt.Errorf("load recipients: %w", err)
		}

		message.Sequence = conversation.LastSequence + 1
		if err = tx.Create(message).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if len(recipients) > 0 {
			deliveries := make([]*models.Delivery, 0, len(recipients))
			for _, recipientID := range recipients {
				deliveries = append(deliveries, &models.Delivery{
					MessageID:      message.GetID(),
					RecipientID:    recipientID,
					ConversationID: message.ConversationID,
					Sequence:       message.Sequence,
					Status:         models.DeliveryPending,
				})
			}
			if err = tx.Create(&deliveries).Error; err != nil {
				return fmt.Errorf("insert deliveries: %w", err)
			}
		}

		if idempotencyKey != "" {
			if err = tx.Create(&models.PostIdempotency{
				ConversationID: message.ConversationID,
				SenderID:       message.SenderID,
				Key:            idempotencyKey,
				MessageID:      message.GetID(),
			}).Error; err != nil {
				return fmt.Errorf("record idempotency key: %w", err)
			}
		}

		if err = tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Update("last_sequence", message.Sequence).Error; err != nil {
			return fmt.Errorf("advance sequence: %w", err)
		}

		result.Message = message
		result.Recipients = recipients
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func findIdempotentMessage(tx *gorm.DB, message *models.Message, key string) (*models.Message, error) {
	record := &models.PostIdempotency{}
	err := tx.Where("conversation_id = ? AND sender_id = ? AND idempotency_key = ?",
		message.ConversationID, message.SenderID, key).
		First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	existing := &models.Message{}
	if err = tx.First(existing, "id = ?", record.MessageID).Error; err != nil {
		return nil, translate(err)
	}
	return existing, nil
}

func (mr *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	message := &models.Message{}
	err := mr.provider.DB(ctx, true).First(message, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return message, nil
}

func (mr *messageRepository) History(
	ctx context.Context,
	conversationID string,
	afterSequence int64,
	limit int,
) ([]*models.Message, error) {
	var messages []*models.Message
	query := mr.provider.DB(ctx, true).
		Where("conversation_id = ? AND sequence > ?", conversationID, afterSequence).
		Order("sequence ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&messages).Error
	return messages, err
}

func (mr *messageRepository) Prune(ctx context.Context, conversationID string, throughSequence int64) (int64, error) {
	var removed int64

	err := mr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		conversation, err := lockConversation(tx, conversationID)
		if err != nil {
			return err
		}

		through := min(throughSequence, conversation.LastSequence)
		if through <= conversation.PrunedThrough {
			return nil
		}

		pruned := tx.Model(&models.Message{}).
			Select("id").
			Where("conversation_id = ? AND sequence <= ?", conversationID, through)

		if err = tx.Where("message_id IN (?)", pruned).Delete(&models.PostIdempotency{}).Error; err != nil {
			return fmt.Errorf("prune idempotency keys: %w", err)
		}
		if err = tx.Where("conversation_id = ? AND sequence <= ?", conversationID, through).
			Delete(&models.Delivery{}).Error; err != nil {
			return fmt.Errorf("prune deliveries: %w", err)
		}

		res := tx.Where("conversation_id = ? AND sequence <= ?", conversationID, through).Delete(&models.Message{})
		if res.Error != nil {
			return fmt.Errorf("prune messages: %w", res.Error)
		}
		removed = res.RowsAffected

		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("pruned_through", through).Error
	})

	return removed, err
}
