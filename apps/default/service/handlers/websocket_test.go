package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/clients"
	"github.com/antinvestor/service-realtime/apps/default/service/handlers"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/apps/default/tests"
)

const readWait = 5 * time.Second

type WebsocketTestSuite struct {
	tests.BaseTestSuite
}

func TestWebsocketTestSuite(t *testing.T) {
	suite.Run(t, new(WebsocketTestSuite))
}

func (s *WebsocketTestSuite) newServer(t *testing.T) (*tests.Deps, string) {
	deps, cm := s.CreateRealtimeDeps(t)
	deps.AllowAllUsers()

	auth := clients.NewJWTAuthenticator(deps.Cfg.AuthJWTSecret, deps.Cfg.AuthJWTIssuer, deps.Cfg.AuthJWTAudience)
	server := httptest.NewServer(handlers.NewChatServer(deps.Chat, auth, cm, deps.Cfg.MaxFrameBytes).Router())
	t.Cleanup(server.Close)

	return deps, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL, token string, header http.Header) *websocket.Conn {
	t.Helper()

	if token != "" {
		wsURL += "?access_token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frameType models.FrameType, id string, payload any) {
	t.Helper()

	frame, err := models.NewFrame(frameType, id, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))
}

// expect reads frames until one of frameType arrives. An empty id matches any frame id.
func expect(t *testing.T, conn *websocket.Conn, frameType models.FrameType, id string) *models.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	for {
		var frame models.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == frameType && (id == "" || frame.ID == id) {
			return &frame
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, code), "unexpected close: %v", err)
			return
		}
	}
}

func (s *WebsocketTestSuite) TestHandshakeRejections() {
	t := s.T()
	_, wsURL := s.newServer(t)

	expectClose(t, dial(t, wsURL, "", nil), handlers.CloseCodeAuthRejected)
	expectClose(t, dial(t, wsURL, "forged", nil), handlers.CloseCodeAuthRejected)

	header := http.Header{}
	header.Set("X-Protocol-Version", "9")
	expectClose(t, dial(t, wsURL, tests.Token(t, "alice"), header), handlers.CloseCodeProtocolUnsupported)
}

func (s *WebsocketTestSuite) TestUpgradeAlongsideHealthRoutes() {
	t := s.T()
	deps, cm := s.CreateRealtimeDeps(t)
	auth := clients.NewJWTAuthenticator(deps.Cfg.AuthJWTSecret, deps.Cfg.AuthJWTIssuer, deps.Cfg.AuthJWTAudience)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	handlers.NewChatServer(deps.Chat, auth, cm, deps.Cfg.MaxFrameBytes).Routes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	alice := dial(t, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws", tests.Token(t, "alice"), nil)
	s.Eventually(func() bool { return deps.Presence.IsOnline("alice") }, readWait, 10*time.Millisecond)

	send(t, alice, models.FrameHeartbeat, "h-1", nil)
	expect(t, alice, models.FrameHeartbeat, "h-1")
}

func (s *WebsocketTestSuite) TestRealtimeConversation() {
	t := s.T()
	deps, wsURL := s.newServer(t)
	conv := deps.CreateConversation(t, "alice", "bob")

	alice := dial(t, wsURL, tests.Token(t, "alice"), nil)
	bob := dial(t, wsURL+"?v=1", "", http.Header{"Authorization": {"Bearer " + tests.Token(t, "bob")}})
	s.Eventually(func() bool {
		return deps.Presence.IsOnline("alice") && deps.Presence.IsOnline("bob")
	}, readWait, 10*time.Millisecond)

	send(t, alice, models.FrameMessage, "c-1", models.PostPayload{ConversationID: conv.GetID(), Body: "hi bob"})

	var delivered models.Message
	require.NoError(t, expect(t, bob, models.FrameMessage, "").Decode(&delivered))
	s.Equal("hi bob", delivered.Body)
	s.Equal("alice", delivered.SenderID)
	s.Equal(int64(1), delivered.Sequence)

	var echoed models.AckPayload
	require.NoError(t, expect(t, alice, models.FrameAck, delivered.GetID()).Decode(&echoed))
	s.Equal(int64(1), echoed.UpToSequence)

	// The frame id doubles as idempotency key: a resend is acknowledged, not routed again.
	send(t, alice, models.FrameMessage, "c-1", models.PostPayload{ConversationID: conv.GetID(), Body: "hi bob"})
	var dup models.AckPayload
	require.NoError(t, expect(t, alice, models.FrameAck, "c-1").Decode(&dup))
	s.Equal(delivered.GetID(), dup.MessageID)

	send(t, bob, models.FrameAck, "a-1", models.AckPayload{ConversationID: conv.GetID(), UpToSequence: 1})
	var ack models.AckPayload
	require.NoError(t, expect(t, bob, models.FrameAck, "a-1").Decode(&ack))
	s.Equal(int64(1), ack.UpToSequence)

	send(t, bob, models.FramePresence, "p-1", models.PresenceQuery{UserIDs: []string{"alice", "carol"}})
	var snapshot models.PresenceSnapshot
	require.NoError(t, expect(t, bob, models.FramePresence, "p-1").Decode(&snapshot))
	s.Equal([]models.PresencePayload{
		{UserID: "alice", Status: models.PresenceOnline},
		{UserID: "carol", Status: models.PresenceOffline},
	}, snapshot.Users)

	send(t, bob, models.FrameHeartbeat, "h-1", nil)
	expect(t, bob, models.FrameHeartbeat, "h-1")

	send(t, bob, "bogus", "x-1", nil)
	var failure models.ErrorPayload
	require.NoError(t, expect(t, bob, models.FrameError, "x-1").Decode(&failure))
	s.Equal("invalid_argument", failure.Code)

	send(t, bob, models.FrameMessage, "c-2", models.PostPayload{ConversationID: conv.GetID(), Body: " "})
	require.NoError(t, expect(t, bob, models.FrameError, "c-2").Decode(&failure))
	s.Equal("invalid_argument", failure.Code)

	// A clean client close takes bob offline and tells alice.
	require.NoError(t, bob.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	for {
		var presence models.PresencePayload
		require.NoError(t, expect(t, alice, models.FramePresence, "").Decode(&presence))
		if presence.UserID == "bob" && presence.Status == models.PresenceOffline {
			break
		}
	}
	s.False(deps.Presence.IsOnline("bob"))
}

func (s *WebsocketTestSuite) TestReconnectReplaysPendingMessages() {
	t := s.T()
	deps, wsURL := s.newServer(t)
	conv := deps.CreateConversation(t, "alice", "bob")

	for _, body := range []string{"first", "second"} {
		_, err := deps.Chat.PostMessage(t.Context(), &business.PostMessageRequest{
			ConversationID: conv.GetID(),
			SenderID:       "alice",
			Body:           body,
		})
		require.NoError(t, err)
	}

	bob := dial(t, wsURL, tests.Token(t, "bob"), nil)

	var got []string
	for range 2 {
		var message models.Message
		require.NoError(t, expect(t, bob, models.FrameMessage, "").Decode(&message))
		got = append(got, message.Body)
	}
	s.Equal([]string{"first", "second"}, got)

	s.Eventually(func() bool {
		pending, err := deps.DeliveryRepo.CountByStatus(t.Context(), "bob", models.DeliveryPending)
		return err == nil && pending == 0
	}, readWait, 20*time.Millisecond, "written deliveries are marked delivered")
}

func (s *WebsocketTestSuite) TestOversizedFrameClosesConnection() {
	t := s.T()
	deps, wsURL := s.newServer(t)

	alice := dial(t, wsURL, tests.Token(t, "alice"), nil)
	s.Eventually(func() bool { return deps.Presence.IsOnline("alice") }, readWait, 10*time.Millisecond)

	huge, err := json.Marshal(models.PostPayload{Body: strings.Repeat("x", int(deps.Cfg.MaxFrameBytes))})
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, huge))

	expectClose(t, alice, websocket.CloseMessageTooBig)
	s.Eventually(func() bool { return !deps.Presence.IsOnline("alice") }, readWait, 10*time.Millisecond)
}
