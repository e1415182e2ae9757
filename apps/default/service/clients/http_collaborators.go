package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/internal/resilience"
)

const maxErrorBody = 512

var errUnexpectedStatus = errors.New("unexpected response status")

// BreakerSettings tunes the circuit breaker wrapped around each HTTP collaborator.
type BreakerSettings struct {
	MaxFailures  int64
	ResetTimeout time.Duration
}

type httpCollaborator struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	breaker *resilience.CircuitBreaker
}

func newHTTPCollaborator(
	name, baseURL string,
	client *http.Client,
	timeout time.Duration,
	breaker BreakerSettings,
	isFailure func(error) bool,
) (*httpCollaborator, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s url: %w", name, err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	settings := resilience.DefaultSettings(name)
	if breaker.MaxFailures > 0 {
		settings.MaxFailures = breaker.MaxFailures
	}
	if breaker.ResetTimeout > 0 {
		settings.ResetTimeout = breaker.ResetTimeout
	}
	settings.IsFailure = isFailure
	settings.OnStateChange = func(name string, from, to resilience.State) {
		util.Log(context.Background()).WithFields(map[string]any{
			"collaborator": name,
			"from":         from.String(),
			"to":           to.String(),
		}).Warn("collaborator circuit changed state")
	}

	return &httpCollaborator{
		baseURL: parsed,
		client:  client,
		timeout: timeout,
		breaker: resilience.NewCircuitBreaker(settings),
	}, nil
}

// get issues GET {base}/{segments...} and hands a 2xx or 404 response to handle.
func (h *httpCollaborator) get(ctx context.Context, handle func(*http.Response) error, segments ...string) error {
	return h.breaker.Execute(func() error {
		if h.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}

		target := h.baseURL.JoinPath(segments...)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices ||
			resp.StatusCode == http.StatusNotFound {
			return handle(resp)
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %d %s", errUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	})
}

func (h *httpCollaborator) State() resilience.State {
	return h.breaker.State()
}

// HTTPUserDirectory asks the identity service whether a user exists: 200 yes, 404 no.
type HTTPUserDirectory struct {
	http *httpCollaborator
}

func NewHTTPUserDirectory(
	baseURL string,
	client *http.Client,
	timeout time.Duration,
	breaker BreakerSettings,
) (*HTTPUserDirectory, error) {
	collaborator, err := newHTTPCollaborator("user_directory", baseURL, client, timeout, breaker, nil)
	if err != nil {
		return nil, err
	}
	return &HTTPUserDirectory{http: collaborator}, nil
}

func (d *HTTPUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	exists := false
	err := d.http.get(ctx, func(resp *http.Response) error {
		exists = resp.StatusCode != http.StatusNotFound
		return nil
	}, "users", userID)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (d *HTTPUserDirectory) State() resilience.State {
	return d.http.State()
}

// AllowAllDirectory accepts every non-empty user id. It is used when no directory is configured.
type AllowAllDirectory struct{}

func (AllowAllDirectory) Exists(_ context.Context, userID string) (bool, error) {
	return strings.TrimSpace(userID) != "", nil
}

// HTTPMediaStore resolves media object metadata from the media service.
type HTTPMediaStore struct {
	http *httpCollaborator
}

func NewHTTPMediaStore(
	baseURL string,
	client *http.Client,
	timeout time.Duration,
	breaker BreakerSettings,
) (*HTTPMediaStore, error) {
	// A missing object is a definitive answer from a healthy store.
	isFailure := func(err error) bool {
		return !errors.Is(err, business.ErrMediaObjectMissing)
	}

	collaborator, err := newHTTPCollaborator("media_store", baseURL, client, timeout, breaker, isFailure)
	if err != nil {
		return nil, err
	}
	return &HTTPMediaStore{http: collaborator}, nil
}

func (m *HTTPMediaStore) Lookup(ctx context.Context, mediaID string) (*models.MediaObject, error) {
	var object models.MediaObject
	err := m.http.get(ctx, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return business.ErrMediaObjectMissing
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&object); decodeErr != nil {
			return fmt.Errorf("decode media object: %w", decodeErr)
		}
		return nil
	}, "media", mediaID)
	if err != nil {
		return nil, err
	}

	if object.ID == "" {
		object.ID = mediaID
	}
	return &object, nil
}

func (m *HTTPMediaStore) State() resilience.State {
	return m.http.State()
}
