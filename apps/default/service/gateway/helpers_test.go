package gateway //nolint:testpackage // Tests need access to unexported pool and connection internals

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

var errBadToken = errors.New("bad token")

// fakeStream scripts the client side of a connection.
type fakeStream struct {
	inbound chan *models.Frame

	mu     sync.Mutex
	sent   []*models.Frame
	closed []CloseReason

	// gate, when set, blocks every Send until it is closed or the stream is closed.
	gate      chan struct{}
	delay     time.Duration
	sending   chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound:  make(chan *models.Frame, 16),
		sending:  make(chan struct{}, 64),
		closedCh: make(chan struct{}),
	}
}

func newGatedStream() *fakeStream {
	s := newFakeStream()
	s.gate = make(chan struct{})
	return s
}

func (s *fakeStream) Receive() (*models.Frame, error) {
	select {
	case frame, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-s.closedCh:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Send(frame *models.Frame) error {
	select {
	case s.sending <- struct{}{}:
	default:
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closedCh:
			return errors.New("stream closed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeStream) Close(reason CloseReason) error {
	s.mu.Lock()
	s.closed = append(s.closed, reason)
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closedCh) })
	return nil
}

func (s *fakeStream) Sent() []*models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Frame(nil), s.sent...)
}

func (s *fakeStream) SentOfType(frameType models.FrameType) []*models.Frame {
	var out []*models.Frame
	for _, f := range s.Sent() {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// FirstCloseReason is empty while the stream is open.
func (s *fakeStream) FirstCloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.closed) == 0 {
		return ""
	}
	return s.closed[0]
}

type staticAuth map[string]string

func (a staticAuth) Verify(_ context.Context, token string) (string, error) {
	userID, ok := a[token]
	if !ok {
		return "", errBadToken
	}
	return userID, nil
}

// fakeChat records what the connection manager asks of the messaging core.
type fakeChat struct {
	mu        sync.Mutex
	posts     []*business.PostMessageRequest
	acks      []int64
	presence  []models.PresencePayload
	pending   map[string][]*models.Frame
	postErr   error
	duplicate *models.Message
}

func newFakeChat() *fakeChat {
	return &fakeChat{pending: make(map[string][]*models.Frame)}
}

func (c *fakeChat) PostMessage(_ context.Context, req *business.PostMessageRequest) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, req)
	if c.duplicate != nil {
		return c.duplicate, service.ErrDuplicatePost
	}
	if c.postErr != nil {
		return nil, c.postErr
	}
	msg := &models.Message{ConversationID: req.ConversationID, SenderID: req.SenderID, Body: req.Body}
	msg.ID = "msg-" + req.IdempotencyKey
	msg.Sequence = int64(len(c.posts))
	return msg, nil
}

func (c *fakeChat) Acknowledge(_ context.Context, _, _ string, upTo int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, upTo)
	return upTo, nil
}

func (c *fakeChat) PresenceOf(_ context.Context, userIDs []string) []models.PresencePayload {
	out := make([]models.PresencePayload, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, models.PresencePayload{UserID: id, Status: models.PresenceOffline})
	}
	return out
}

func (c *fakeChat) PresenceChanged(_ context.Context, userID string, status models.PresenceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = append(c.presence, models.PresencePayload{UserID: userID, Status: status})
}

func (c *fakeChat) ResyncPending(
	ctx context.Context,
	userID string,
	deliver func(context.Context, *models.Frame) error,
) (int, error) {
	c.mu.Lock()
	frames := c.pending[userID]
	c.mu.Unlock()

	for i, f := range frames {
		if err := deliver(ctx, f); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

func (c *fakeChat) Posts() []*business.PostMessageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*business.PostMessageRequest(nil), c.posts...)
}

func (c *fakeChat) PresenceEvents() []models.PresencePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.PresencePayload(nil), c.presence...)
}

func testSettings() Settings {
	return Settings{
		SupportedVersions: []string{"1", "2"},
		MaxConnections:    10,
		SendQueueSize:     8,
		HeartbeatTimeout:  time.Minute,
		HandshakeTimeout:  time.Second,
		CloseGracePeriod:  200 * time.Millisecond,
		InboundPerSecond:  100,
		InboundBurst:      100,
	}
}

// newTestConnectionManager builds a manager without background tasks.
func newTestConnectionManager(settings Settings) (*connectionManager, *business.PresenceTracker) {
	presence := business.NewPresenceTracker()
	cm := newConnectionManager(settings, staticAuth{"tok-alice": "alice", "tok-bob": "bob"}, presence)
	return cm, presence
}

func mustFrame(frameType models.FrameType, id string, payload any) *models.Frame {
	frame, err := models.NewFrame(frameType, id, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

func waitDone(conn *Connection) bool {
	select {
	case <-conn.Done():
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}
