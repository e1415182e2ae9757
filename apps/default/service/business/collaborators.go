package business

//go:generate mockgen -source=collaborators.go -destination=mocks/mock_collaborators.go -package=mocks

import (
	"context"
	"errors"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

// ErrMediaObjectMissing is returned by a MediaStore when the object does not exist.
var ErrMediaObjectMissing = errors.New("media object does not exist")

// UserDirectory answers whether a user id is known to the identity system.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// MediaStore looks up uploaded objects by id.
type MediaStore interface {
	Lookup(ctx context.Context, mediaID string) (*models.MediaObject, error)
}

// FrameSender enqueues a frame on one live connection without blocking.
// The connection manager satisfies it.
type FrameSender interface {
	Send(ctx context.Context, connectionID string, frame *models.Frame) error
}
