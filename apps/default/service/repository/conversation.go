package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

type conversationRepository struct {
	provider DBProvider
}

// NewConversationRepository creates a conversation repository over the given datastore.
func NewConversationRepository(provider DBProvider) ConversationRepository {
	return &conversationRepository{provider: provider}
}

// lockConversation takes the row lock that serialises writers of one conversation.
func lockConversation(tx *gorm.DB, conversationID string) (*models.Conversation, error) {
	conversation := &models.Conversation{}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", conversationID).
		First(conversation).Error
	if err != nil {
		return nil, translate(err)
	}
	return conversation, nil
}

// Create stores the conversation, the creator and every listed participant in one transaction.
func (cr *conversationRepository) Create(
	ctx context.Context,
	conversation *models.Conversation,
	participantIDs []string,
) error {
	now := time.Now()

	members := []string{conversation.CreatedBy}
	seen := map[string]struct{}{conversation.CreatedBy: {}}
	for _, id := range participantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	return cr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conversation).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}

		participants := make([]*models.Participant, 0, len(members))
		events := make([]*models.MembershipEvent, 0, len(members))
		for _, userID := range members {
			participants = append(participants, &models.Participant{
				ConversationID: conversation.GetID(),
				UserID:         userID,
				Active:         true,
				CanUploadMedia: true,
				JoinedAt:       now,
			})
			events = append(events, &models.MembershipEvent{
				ConversationID: conversation.GetID(),
				UserID:         userID,
				ActorID:        conversation.CreatedBy,
				Kind:           models.MembershipJoin,
			})
		}

		if err := tx.Create(&participants).Error; err != nil {
			return fmt.Errorf("create participants: %w", err)
		}
		if err := tx.Create(&events).Error; err != nil {
			return fmt.Errorf("record membership: %w", err)
		}
		return nil
	})
}

func (cr *conversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	conversation := &models.Conversation{}
	err := cr.provider.DB(ctx, true).First(conversation, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return conversation, nil
}

func (cr *conversationRepository) GetParticipant(
	ctx context.Context,
	conversationID, userID string,
) (*models.Participant, error) {
	participant := &models.Participant{}
	err := cr.provider.DB(ctx, true).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(participant).Error
	if err != nil {
		return nil, translate(err)
	}
	return participant, nil
}

func (cr *conversationRepository) IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := cr.provider.DB(ctx, true).
		Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND active = ?", conversationID, userID, true).
		Count(&count).Error
	return count > 0, err
}

func (cr *conversationRepository) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := cr.provider.DB(ctx, true).
		Model(&models.Participant{}).
		Where("conversation_id = ? AND active = ?", conversationID, true).
		Order("joined_at ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (cr *conversationRepository) CountActiveParticipants(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := cr.provider.DB(ctx, true).
		Model(&models.Participant{}).
		Where("conversation_id = ? AND active = ?", conversationID, true).
		Count(&count).Error
	return count, err
}

func (cr *conversationRepository) AddParticipant(
	ctx context.Context,
	conversationID, userID, actorID string,
) (bool, error) {
	added := false

	err := cr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		if _, err := lockConversation(tx, conversationID); err != nil {
			return err
		}

		now := time.Now()
		existing := &models.Participant{}
		err := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(existing).Error

		switch {
		case err == nil && existing.Active:
			return nil
		case err == nil:
			err = tx.Model(existing).Updates(map[string]any{
				"active":    true,
				"joined_at": now,
				"left_at":   nil,
			}).Error
		case translate(err) == ErrNotFound:
			err = tx.Create(&models.Participant{
				ConversationID: conversationID,
				UserID:         userID,
				Active:         true,
				CanUploadMedia: true,
				JoinedAt:       now,
			}).Error
		}
		if err != nil {
			return fmt.Errorf("activate participant: %w", err)
		}

		added = true
		return tx.Create(&models.MembershipEvent{
			ConversationID: conversationID,
			UserID:         userID,
			ActorID:        actorID,
			Kind:           models.MembershipJoin,
		}).Error
	})

	return added, err
}

func (cr *conversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID, actorID string) error {
	return cr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		if _, err := lockConversation(tx, conversationID); err != nil {
			return err
		}

		participant := &models.Participant{}
		err := tx.Where("conversation_id = ? AND user_id = ? AND active = ?", conversationID, userID, true).
			First(participant).Error
		if err != nil {
			return translate(err)
		}

		var active int64
		if err = tx.Model(&models.Participant{}).
			Where("conversation_id = ? AND active = ?", conversationID, true).
			Count(&active).Error; err != nil {
			return err
		}
		if active <= 1 {
			return ErrLastActiveParticipant
		}

		now := time.Now()
		if err = tx.Model(participant).Updates(map[string]any{"active": false, "left_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate participant: %w", err)
		}

		return tx.Create(&models.MembershipEvent{
			ConversationID: conversationID,
			UserID:         userID,
			ActorID:        actorID,
			Kind:           models.MembershipLeave,
		}).Error
	})
}

func (cr *conversationRepository) MembershipHistory(
	ctx context.Context,
	conversationID string,
) ([]*models.MembershipEvent, error) {
	var events []*models.MembershipEvent
	err := cr.provider.DB(ctx, true).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (cr *conversationRepository) CoParticipantIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := cr.provider.DB(ctx, true).
		Table("participants AS mine").
		Joins("JOIN participants AS other ON other.conversation_id = mine.conversation_id").
		Where("mine.user_id = ? AND mine.active = ? AND other.active = ? AND other.user_id <> ?",
			userID, true, true, userID).
		Distinct().
		Pluck("other.user_id", &ids).Error
	return ids, err
}
