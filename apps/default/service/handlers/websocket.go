package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/service/gateway"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/internal"
)

const (
	writeWait      = 10 * time.Second
	closeWriteWait = time.Second

	// Application close codes sent to clients, from the private 4000-4999 range.
	CloseCodeAuthRejected        = 4001
	CloseCodeProtocolUnsupported = 4002
	CloseCodeConnectionTimeout   = 4003
	CloseCodeSendQueueOverflow   = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers authenticate with a bearer token, not cookies, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Connect upgrades the request and hands the socket to the connection manager,
// which authenticates, registers and serves it until it closes.
func (cs *ChatServer) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// A missing token is rejected by the handshake with a close frame, like a bad one.
	token, _ := internal.BearerToken(r)

	version := strings.TrimSpace(r.Header.Get(internal.HeaderProtocolVersion))
	if version == "" {
		version = strings.TrimSpace(r.URL.Query().Get(internal.QueryProtocolVersion))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		util.Log(ctx).WithError(err).Debug("websocket upgrade failed")
		return
	}

	stream := newWSStream(conn, cs.maxFrameBytes)
	if err = cs.connections.HandleConnection(ctx, token, version, stream); err != nil {
		util.Log(ctx).WithError(err).Debug("websocket connection ended during handshake")
	}
}

// wsStream carries JSON frames over one websocket, one frame per text message.
type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, maxFrameBytes int64) *wsStream {
	if maxFrameBytes > 0 {
		conn.SetReadLimit(maxFrameBytes)
	}
	return &wsStream{conn: conn}
}

func (s *wsStream) Receive() (*models.Frame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}

	var frame models.Frame
	if err = json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &frame, nil
}

func (s *wsStream) Send(frame *models.Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

// Close sends a close frame carrying the reason and drops the socket. Only the first call has effect.
func (s *wsStream) Close(reason gateway.CloseReason) error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(closeCode(reason), string(reason))
		// WriteControl may run concurrently with the writer goroutine.
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			s.closeErr = err
		}
		if err := s.conn.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func closeCode(reason gateway.CloseReason) int {
	switch reason {
	case gateway.CloseClientClosed:
		return websocket.CloseNormalClosure
	case gateway.CloseServerShutdown:
		return websocket.CloseGoingAway
	case gateway.CloseAuthRejected:
		return CloseCodeAuthRejected
	case gateway.CloseProtocolUnsupported:
		return CloseCodeProtocolUnsupported
	case gateway.CloseConnectionTimeout:
		return CloseCodeConnectionTimeout
	case gateway.CloseSendQueueOverflow:
		return CloseCodeSendQueueOverflow
	case gateway.CloseServerOverloaded:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}
