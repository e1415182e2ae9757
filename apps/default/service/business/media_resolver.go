package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/apps/default/service/repository"
	rtel "github.com/antinvestor/service-realtime/internal/telemetry"
)

const mediaResolveConcurrency = 4

type mediaResolver struct {
	store        MediaStore
	conversation repository.ConversationRepository
	objects      cache.Cache[string, models.MediaObject]
	ttl          time.Duration
}

// NewMediaResolver creates a resolver that caches store lookups for ttl.
// Authorization is evaluated on every call, cached or not.
func NewMediaResolver(
	store MediaStore,
	conversationRepo repository.ConversationRepository,
	rawCache cache.RawCache,
	ttl time.Duration,
) MediaResolver {
	return &mediaResolver{
		store:        store,
		conversation: conversationRepo,
		objects: cache.NewGenericCache[string, models.MediaObject](rawCache, func(id string) string {
			return "media:" + id
		}),
		ttl: ttl,
	}
}

func (mr *mediaResolver) Resolve(
	ctx context.Context,
	ref models.MediaReference,
	requesterID, conversationID string,
) (_ models.MediaReference, err error) {
	ctx, span := rtel.MediaTracer.Start(ctx, "ResolveMedia")
	defer func() { rtel.MediaTracer.End(ctx, span, err) }()

	if ref.ID == "" {
		return models.MediaReference{}, service.ValidationError("media reference id is required")
	}

	object, err := mr.lookup(ctx, ref.ID)
	if err != nil {
		return models.MediaReference{}, err
	}

	if err = mr.authorize(ctx, object, requesterID, conversationID); err != nil {
		return models.MediaReference{}, err
	}

	if ref.ContentType != "" && ref.ContentType != object.ContentType {
		return models.MediaReference{}, service.ErrMediaMismatch
	}
	if ref.Size != 0 && ref.Size != object.Size {
		return models.MediaReference{}, service.ErrMediaMismatch
	}

	rtel.MediaResolvedCounter.Add(ctx, 1)
	return models.MediaReference{ID: object.ID, ContentType: object.ContentType, Size: object.Size}, nil
}

func (mr *mediaResolver) ResolveAll(
	ctx context.Context,
	refs []models.MediaReference,
	requesterID, conversationID string,
) ([]models.MediaReference, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	resolved := make([]models.MediaReference, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mediaResolveConcurrency)

	for i, ref := range refs {
		g.Go(func() error {
			out, err := mr.Resolve(gctx, ref, requesterID, conversationID)
			if err != nil {
				return err
			}
			resolved[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (mr *mediaResolver) lookup(ctx context.Context, mediaID string) (*models.MediaObject, error) {
	cached, ok, err := mr.objects.Get(ctx, mediaID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("media_id", mediaID).Debug("media cache read failed")
	}
	if ok {
		return &cached, nil
	}

	object, err := mr.store.Lookup(ctx, mediaID)
	switch {
	case errors.Is(err, ErrMediaObjectMissing):
		return nil, service.ErrMediaNotFound
	case err != nil:
		rtel.MediaLookupFailedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).WithField("media_id", mediaID).Warn("media store lookup failed")
		return nil, fmt.Errorf("%w: %w", service.ErrMediaUnavailable, err)
	}

	if setErr := mr.objects.Set(ctx, mediaID, *object, mr.ttl); setErr != nil {
		util.Log(ctx).WithError(setErr).WithField("media_id", mediaID).Debug("media cache write failed")
	}
	return object, nil
}

// authorize admits the owner, or any participant allowed to upload when the
// object was uploaded into the same conversation.
func (mr *mediaResolver) authorize(
	ctx context.Context,
	object *models.MediaObject,
	requesterID, conversationID string,
) error {
	if object.OwnerID == requesterID {
		return nil
	}
	if object.ConversationID == "" || object.ConversationID != conversationID {
		return service.ErrMediaForbidden
	}

	participant, err := mr.conversation.GetParticipant(ctx, conversationID, requesterID)
	if errors.Is(err, repository.ErrNotFound) {
		return service.ErrMediaForbidden
	}
	if err != nil {
		return err
	}
	if !participant.Active || !participant.CanUploadMedia {
		return service.ErrMediaForbidden
	}
	return nil
}
