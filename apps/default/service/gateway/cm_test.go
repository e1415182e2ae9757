package gateway //nolint:testpackage // Tests need access to unexported pool and connection internals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

func runHandle(cm *connectionManager, ctx context.Context, token, version string, stream DeviceStream) <-chan error {
	result := make(chan error, 1)
	go func() { result <- cm.HandleConnection(ctx, token, version, stream) }()
	return result
}

func awaitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("HandleConnection did not return")
		return nil
	}
}

func TestConnectionManager_AuthRejected(t *testing.T) {
	cm, presence := newTestConnectionManager(testSettings())
	stream := newFakeStream()

	err := cm.HandleConnection(t.Context(), "forged", "1", stream)
	require.ErrorIs(t, err, service.ErrAuthRejected)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	assert.ErrorIs(t, err, errBadToken)

	assert.Equal(t, CloseAuthRejected, stream.FirstCloseReason())
	assert.Equal(t, int32(0), cm.ActiveConnections())
	assert.Empty(t, presence.OnlineUsers())
}

func TestConnectionManager_ProtocolNegotiation(t *testing.T) {
	cm, _ := newTestConnectionManager(testSettings())

	version, err := cm.negotiate("")
	require.NoError(t, err)
	assert.Equal(t, "1", version, "an absent version selects the first supported one")

	version, err = cm.negotiate("2")
	require.NoError(t, err)
	assert.Equal(t, "2", version)

	stream := newFakeStream()
	err = cm.HandleConnection(t.Context(), "tok-alice", "9", stream)
	require.ErrorIs(t, err, ErrProtocolUnsupported)
	assert.Equal(t, CloseProtocolUnsupported, stream.FirstCloseReason())
	assert.Equal(t, int32(0), cm.ActiveConnections())
}

func TestConnectionManager_PoolFullRejectsHandshake(t *testing.T) {
	settings := testSettings()
	settings.MaxConnections = 1
	cm, _ := newTestConnectionManager(settings)

	first, err := cm.Register(t.Context(), "alice", "1", newFakeStream())
	require.NoError(t, err)

	stream := newFakeStream()
	err = cm.HandleConnection(t.Context(), "tok-bob", "1", stream)
	require.ErrorIs(t, err, ErrConnectionPoolFull)
	assert.Equal(t, CloseServerOverloaded, stream.FirstCloseReason())
	assert.Equal(t, int32(1), cm.ActiveConnections())

	require.NoError(t, cm.Close(t.Context(), first.ID(), CloseClientClosed))
	require.True(t, waitDone(first))
}

func TestConnectionManager_OverflowClosesConnection(t *testing.T) {
	settings := testSettings()
	settings.SendQueueSize = 2
	cm, presence := newTestConnectionManager(settings)
	ctx := t.Context()

	stream := newGatedStream()
	conn, err := cm.Register(ctx, "alice", "1", stream)
	require.NoError(t, err)
	assert.Equal(t, StateActive, conn.State())
	assert.True(t, presence.IsOnline("alice"))

	// The writer takes the first frame and blocks on the slow client.
	require.NoError(t, cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m1", nil)))
	select {
	case <-stream.sending:
	case <-time.After(time.Second):
		t.Fatal("writer never picked up the first frame")
	}

	require.NoError(t, cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m2", nil)))
	require.NoError(t, cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m3", nil)))

	start := time.Now()
	err = cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m4", nil))
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "a full queue fails fast")

	require.True(t, waitDone(conn))
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, CloseSendQueueOverflow, conn.CloseReason())
	assert.Equal(t, CloseSendQueueOverflow, stream.FirstCloseReason())
	assert.False(t, presence.IsOnline("alice"))
	assert.Equal(t, int32(0), cm.ActiveConnections())

	err = cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m5", nil))
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestConnectionManager_HeartbeatTimeout(t *testing.T) {
	settings := testSettings()
	settings.HeartbeatTimeout = 150 * time.Millisecond
	cm, presence := newTestConnectionManager(settings)
	ctx := t.Context()

	idle, err := cm.Register(ctx, "alice", "1", newFakeStream())
	require.NoError(t, err)
	alive, err := cm.Register(ctx, "bob", "1", newFakeStream())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, cm.Heartbeat(ctx, alive.ID()))
	time.Sleep(100 * time.Millisecond)

	cm.performCleanup(ctx)

	require.True(t, waitDone(idle))
	assert.Equal(t, CloseConnectionTimeout, idle.CloseReason())
	assert.False(t, presence.IsOnline("alice"))

	assert.Equal(t, StateActive, alive.State())
	assert.True(t, presence.IsOnline("bob"))

	require.ErrorIs(t, cm.Heartbeat(ctx, idle.ID()), ErrConnectionNotFound)
	require.NoError(t, cm.Close(ctx, alive.ID(), CloseClientClosed))
	require.True(t, waitDone(alive))
}

func TestConnectionManager_BackgroundSweepClosesStaleConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	settings := testSettings()
	settings.HeartbeatTimeout = 60 * time.Millisecond
	settings.StaleCheckInterval = 20 * time.Millisecond

	cm := NewConnectionManager(t.Context(), settings, staticAuth{}, business.NewPresenceTracker())
	conn, err := cm.Register(t.Context(), "alice", "1", newFakeStream())
	require.NoError(t, err)

	require.True(t, waitDone(conn))
	assert.Equal(t, CloseConnectionTimeout, conn.CloseReason())

	require.NoError(t, cm.Shutdown(t.Context()))
}

func TestConnectionManager_CloseIsIdempotent(t *testing.T) {
	cm, presence := newTestConnectionManager(testSettings())
	ctx := t.Context()

	stream := newFakeStream()
	conn, err := cm.Register(ctx, "alice", "1", stream)
	require.NoError(t, err)

	require.NoError(t, cm.Close(ctx, conn.ID(), CloseClientClosed))
	require.NoError(t, cm.Close(ctx, conn.ID(), CloseTransportError))
	require.NoError(t, cm.Close(ctx, "never-registered", CloseClientClosed))

	require.True(t, waitDone(conn))
	assert.Equal(t, CloseClientClosed, conn.CloseReason())
	assert.Equal(t, CloseClientClosed, stream.FirstCloseReason())
	assert.False(t, presence.IsOnline("alice"))

	_, ok := cm.GetConnection(conn.ID())
	assert.False(t, ok)
}

func TestConnectionManager_PresenceTransitionsPerUser(t *testing.T) {
	cm, _ := newTestConnectionManager(testSettings())
	chat := newFakeChat()
	cm.SetChatService(chat)
	ctx := t.Context()

	phone, err := cm.Register(ctx, "alice", "1", newFakeStream())
	require.NoError(t, err)
	laptop, err := cm.Register(ctx, "alice", "1", newFakeStream())
	require.NoError(t, err)

	assert.Equal(t, []models.PresencePayload{{UserID: "alice", Status: models.PresenceOnline}}, chat.PresenceEvents(),
		"a second device does not repeat the online transition")

	require.NoError(t, cm.Close(ctx, phone.ID(), CloseClientClosed))
	require.True(t, waitDone(phone))
	assert.Len(t, chat.PresenceEvents(), 1)

	require.NoError(t, cm.Close(ctx, laptop.ID(), CloseClientClosed))
	require.True(t, waitDone(laptop))
	assert.Equal(t, []models.PresencePayload{
		{UserID: "alice", Status: models.PresenceOnline},
		{UserID: "alice", Status: models.PresenceOffline},
	}, chat.PresenceEvents())
}

func TestConnectionManager_RegisterReplaysPending(t *testing.T) {
	settings := testSettings()
	settings.SendQueueSize = 2
	cm, _ := newTestConnectionManager(settings)
	chat := newFakeChat()
	cm.SetChatService(chat)

	for i := range 5 {
		chat.pending["alice"] = append(chat.pending["alice"], mustFrame(models.FrameMessage, fmt.Sprintf("p%d", i), nil))
	}

	stream := newFakeStream()
	conn, err := cm.Register(t.Context(), "alice", "1", stream)
	require.NoError(t, err)

	// The backlog is larger than the queue, so replay waits for the writer instead of overflowing.
	require.Eventually(t, func() bool {
		return len(stream.SentOfType(models.FrameMessage)) == 5
	}, 2*time.Second, 10*time.Millisecond)

	sent := stream.SentOfType(models.FrameMessage)
	for i, frame := range sent {
		assert.Equal(t, fmt.Sprintf("p%d", i), frame.ID)
	}
	assert.Equal(t, StateActive, conn.State())

	require.NoError(t, cm.Close(t.Context(), conn.ID(), CloseClientClosed))
	require.True(t, waitDone(conn))
}

func TestConnectionManager_LiveFramesDuringLongResync(t *testing.T) {
	settings := testSettings()
	settings.SendQueueSize = 8
	cm, _ := newTestConnectionManager(settings)
	chat := newFakeChat()
	cm.SetChatService(chat)

	const backlog = 200
	for i := range backlog {
		chat.pending["alice"] = append(chat.pending["alice"], mustFrame(models.FrameMessage, fmt.Sprintf("p%d", i), nil))
	}

	stream := newFakeStream()
	stream.delay = time.Millisecond
	conn, err := cm.Register(t.Context(), "alice", "1", stream)
	require.NoError(t, err)

	// Heartbeat replies and live messages arrive while the backlog is still replaying.
	time.Sleep(20 * time.Millisecond)
	for i := range 3 {
		require.NoError(t, cm.Send(t.Context(), conn.ID(), mustFrame(models.FrameHeartbeat, fmt.Sprintf("h%d", i), nil)))
	}
	assert.Equal(t, StateActive, conn.State())
	assert.Empty(t, conn.CloseReason())

	require.Eventually(t, func() bool {
		return len(stream.SentOfType(models.FrameMessage)) == backlog
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, stream.SentOfType(models.FrameHeartbeat), 3)
	assert.Equal(t, StateActive, conn.State())

	require.NoError(t, cm.Close(t.Context(), conn.ID(), CloseClientClosed))
	require.True(t, waitDone(conn))
}

func TestConnectionManager_ServesInboundFrames(t *testing.T) {
	cm, presence := newTestConnectionManager(testSettings())
	chat := newFakeChat()
	cm.SetChatService(chat)

	stream := newFakeStream()
	stream.inbound <- mustFrame(models.FrameHeartbeat, "h1", nil)
	stream.inbound <- mustFrame(models.FramePresence, "p1", models.PresenceQuery{UserIDs: []string{"bob"}})
	stream.inbound <- mustFrame(models.FrameAck, "a1", models.AckPayload{ConversationID: "c1", UpToSequence: 5})
	stream.inbound <- mustFrame(models.FrameMessage, "m1", models.PostPayload{ConversationID: "c1", Body: "hi"})
	stream.inbound <- &models.Frame{Type: "typing", ID: "t1"}
	close(stream.inbound)

	err := awaitResult(t, runHandle(cm, t.Context(), "tok-alice", "", stream))
	require.NoError(t, err)

	heartbeats := stream.SentOfType(models.FrameHeartbeat)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, "h1", heartbeats[0].ID)

	presenceFrames := stream.SentOfType(models.FramePresence)
	require.Len(t, presenceFrames, 1)
	var snapshot models.PresenceSnapshot
	require.NoError(t, presenceFrames[0].Decode(&snapshot))
	assert.Equal(t, []models.PresencePayload{{UserID: "bob", Status: models.PresenceOffline}}, snapshot.Users)

	acks := stream.SentOfType(models.FrameAck)
	require.Len(t, acks, 1)
	var ack models.AckPayload
	require.NoError(t, acks[0].Decode(&ack))
	assert.Equal(t, int64(5), ack.UpToSequence)

	posts := chat.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "alice", posts[0].SenderID, "the sender is the authenticated user")
	assert.Equal(t, "m1", posts[0].IdempotencyKey, "the frame id doubles as idempotency key")

	errorsSent := stream.SentOfType(models.FrameError)
	require.Len(t, errorsSent, 1)
	assert.Equal(t, "t1", errorsSent[0].ID)

	assert.Equal(t, CloseClientClosed, stream.FirstCloseReason())
	assert.False(t, presence.IsOnline("alice"))
	assert.Equal(t, int32(0), cm.ActiveConnections())
}

func TestConnectionManager_DuplicateAndRejectedPosts(t *testing.T) {
	cm, _ := newTestConnectionManager(testSettings())
	chat := newFakeChat()
	cm.SetChatService(chat)

	original := &models.Message{ConversationID: "c1", Sequence: 7}
	original.ID = "msg-original"
	chat.duplicate = original

	stream := newFakeStream()
	stream.inbound <- mustFrame(models.FrameMessage, "m1", models.PostPayload{ConversationID: "c1", Body: "again"})
	close(stream.inbound)
	require.NoError(t, awaitResult(t, runHandle(cm, t.Context(), "tok-alice", "1", stream)))

	acks := stream.SentOfType(models.FrameAck)
	require.Len(t, acks, 1)
	var ack models.AckPayload
	require.NoError(t, acks[0].Decode(&ack))
	assert.Equal(t, "msg-original", ack.MessageID)
	assert.Equal(t, int64(7), ack.UpToSequence)

	chat.duplicate = nil
	chat.postErr = service.ErrForbidden

	stream = newFakeStream()
	stream.inbound <- mustFrame(models.FrameMessage, "m2", models.PostPayload{ConversationID: "c1", Body: "hi"})
	close(stream.inbound)
	require.NoError(t, awaitResult(t, runHandle(cm, t.Context(), "tok-alice", "1", stream)))

	errorFrames := stream.SentOfType(models.FrameError)
	require.Len(t, errorFrames, 1)
	var payload models.ErrorPayload
	require.NoError(t, errorFrames[0].Decode(&payload))
	assert.Equal(t, connect.CodePermissionDenied.String(), payload.Code)
	assert.Equal(t, "m2", errorFrames[0].ID)
}

func TestConnectionManager_InboundRateLimited(t *testing.T) {
	settings := testSettings()
	settings.InboundPerSecond = 1
	settings.InboundBurst = 1
	cm, _ := newTestConnectionManager(settings)
	cm.SetChatService(newFakeChat())

	stream := newFakeStream()
	stream.inbound <- mustFrame(models.FrameHeartbeat, "h1", nil)
	stream.inbound <- mustFrame(models.FrameHeartbeat, "h2", nil)
	close(stream.inbound)
	require.NoError(t, awaitResult(t, runHandle(cm, t.Context(), "tok-alice", "1", stream)))

	assert.Len(t, stream.SentOfType(models.FrameHeartbeat), 1)

	errorFrames := stream.SentOfType(models.FrameError)
	require.Len(t, errorFrames, 1)
	var payload models.ErrorPayload
	require.NoError(t, errorFrames[0].Decode(&payload))
	assert.Equal(t, connect.CodeResourceExhausted.String(), payload.Code)
}

func TestConnectionManager_ContextCancelClosesConnection(t *testing.T) {
	cm, presence := newTestConnectionManager(testSettings())
	ctx, cancel := context.WithCancel(t.Context())

	stream := newFakeStream()
	result := runHandle(cm, ctx, "tok-bob", "1", stream)

	require.Eventually(t, func() bool { return presence.IsOnline("bob") }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, awaitResult(t, result))
	assert.Equal(t, CloseServerShutdown, stream.FirstCloseReason())
	assert.False(t, presence.IsOnline("bob"))
}

func TestConnectionManager_TransportErrorOnSend(t *testing.T) {
	cm, presence := newTestConnectionManager(testSettings())
	ctx := t.Context()

	stream := newFakeStream()
	conn, err := cm.Register(ctx, "alice", "1", stream)
	require.NoError(t, err)

	// A stream closed underneath the writer fails the next Send.
	stream.closeOnce.Do(func() { close(stream.closedCh) })
	stream.gate = make(chan struct{})

	require.NoError(t, cm.Send(ctx, conn.ID(), mustFrame(models.FrameMessage, "m1", nil)))

	require.True(t, waitDone(conn))
	assert.Equal(t, CloseTransportError, conn.CloseReason())
	assert.False(t, presence.IsOnline("alice"))
}
