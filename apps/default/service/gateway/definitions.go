package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

// CloseReason records why a connection left the Active state.
type CloseReason string

const (
	CloseClientClosed        CloseReason = "client_closed"
	CloseServerShutdown      CloseReason = "server_shutdown"
	CloseConnectionTimeout   CloseReason = "connection_timeout"
	CloseSendQueueOverflow   CloseReason = "send_queue_overflow"
	CloseAuthRejected        CloseReason = "auth_rejected"
	CloseProtocolUnsupported CloseReason = "protocol_unsupported"
	CloseServerOverloaded    CloseReason = "server_overloaded"
	CloseTransportError      CloseReason = "transport_error"
)

// Graceful reports whether queued frames should still be flushed before the transport closes.
func (r CloseReason) Graceful() bool {
	return r == CloseClientClosed || r == CloseServerShutdown
}

// State is the position of a connection in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrDeliveryFailed is returned by Send when the connection is gone or its queue is full.
	ErrDeliveryFailed      = errors.New("delivery to connection failed")
	ErrConnectionPoolFull  = errors.New("connection pool full")
	ErrShuttingDown        = errors.New("connection manager is shutting down")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrProtocolUnsupported = errors.New("protocol version not supported")
	ErrRateLimited         = errors.New("rate limit exceeded")

	errSendQueueFull = errors.New("send queue full")
)

// DeviceStream is one framed, ordered, bidirectional client transport.
// Receive and Send are each called from a single goroutine; Close may race with both.
type DeviceStream interface {
	Receive() (*models.Frame, error)
	Send(frame *models.Frame) error
	Close(reason CloseReason) error
}

// Authenticator validates a session token and returns the user it belongs to.
type Authenticator interface {
	Verify(ctx context.Context, token string) (string, error)
}

// PresenceRegistry is the part of the presence tracker the connection lifecycle drives.
type PresenceRegistry interface {
	MarkOnline(userID, connectionID string) bool
	MarkOffline(userID, connectionID string) bool
}

// ChatService is the messaging surface reachable from a realtime connection.
type ChatService interface {
	PostMessage(ctx context.Context, req *business.PostMessageRequest) (*models.Message, error)
	Acknowledge(ctx context.Context, conversationID, userID string, upToSequence int64) (int64, error)
	PresenceOf(ctx context.Context, userIDs []string) []models.PresencePayload
	PresenceChanged(ctx context.Context, userID string, status models.PresenceStatus)
	ResyncPending(ctx context.Context, userID string, deliver func(context.Context, *models.Frame) error) (int, error)
}

// Settings tunes the connection manager.
type Settings struct {
	SupportedVersions []string
	MaxConnections    int
	SendQueueSize     int
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	CloseGracePeriod  time.Duration
	InboundPerSecond  int
	InboundBurst      int

	// StaleCheckInterval defaults to a third of HeartbeatTimeout.
	StaleCheckInterval time.Duration
}

// ConnectionManager owns every live client connection of this instance.
type ConnectionManager interface {
	business.FrameSender

	// HandleConnection authenticates stream, registers it and serves it until it closes.
	HandleConnection(ctx context.Context, token, protocolVersion string, stream DeviceStream) error
	// Register admits an already authenticated stream and returns its handle.
	Register(ctx context.Context, userID, protocolVersion string, stream DeviceStream) (*Connection, error)
	// Heartbeat resets the timeout clock of a connection.
	Heartbeat(ctx context.Context, connectionID string) error
	// Close releases the connection and notifies presence. Closing twice is a no-op.
	Close(ctx context.Context, connectionID string, reason CloseReason) error

	GetConnection(connectionID string) (*Connection, bool)
	ActiveConnections() int32
	Capacity() int32

	SetChatService(chat ChatService)
	// DrainConnections stops admitting connections, asks live clients to reconnect
	// elsewhere and waits until they have left or ctx ends.
	DrainConnections(ctx context.Context)
	// Draining reports whether DrainConnections or Shutdown has started.
	Draining() bool
	Shutdown(ctx context.Context) error
}
