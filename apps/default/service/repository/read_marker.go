package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

type readMarkerRepository struct {
	provider DBProvider
}

// NewReadMarkerRepository creates a read marker repository over the given datastore.
func NewReadMarkerRepository(provider DBProvider) ReadMarkerRepository {
	return &readMarkerRepository{provider: provider}
}

func (rr *readMarkerRepository) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	marker := &models.ReadMarker{}
	err := rr.provider.DB(ctx, true).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(marker).Error
	if err != nil {
		if translate(err) == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return marker.UpToSequence, nil
}

// Advance upserts the marker keeping the larger of the stored and requested values,
// so concurrent acknowledgements can only move it forward.
func (rr *readMarkerRepository) Advance(
	ctx context.Context,
	conversationID, userID string,
	upToSequence int64,
) (int64, error) {
	var stored int64

	err := rr.provider.DB(ctx, false).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"up_to_sequence": gorm.Expr(
					"CASE WHEN excluded.up_to_sequence > read_markers.up_to_sequence " +
						"THEN excluded.up_to_sequence ELSE read_markers.up_to_sequence END"),
				"updated_at": time.Now(),
			}),
		}).Create(&models.ReadMarker{
			ConversationID: conversationID,
			UserID:         userID,
			UpToSequence:   upToSequence,
		}).Error
		if err != nil {
			return err
		}

		marker := &models.ReadMarker{}
		if err = tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			First(marker).Error; err != nil {
			return err
		}
		stored = marker.UpToSequence
		return nil
	})

	return stored, err
}
