package repository

import (
	"context"
	"fmt"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

// Migrate creates or updates every table the service persists.
func Migrate(ctx context.Context, provider DBProvider) error {
	if err := provider.DB(ctx, false).AutoMigrate(models.AllTables()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
