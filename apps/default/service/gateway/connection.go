package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"

	"github.com/antinvestor/service-realtime/apps/default/service/models"
)

// Connection is the handle of one live client transport. The manager owns it;
// presence only ever holds its id.
type Connection struct {
	id              string
	userID          string
	protocolVersion string
	connectedAt     time.Time

	stream   DeviceStream
	outbound chan *models.Frame
	dequeued chan struct{}
	limiter  *rate.Limiter

	lastHeartbeat atomic.Int64
	state         atomic.Int32

	closeOnce  sync.Once
	reason     CloseReason
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	// tasks tracks per-connection helpers such as the resync replay.
	tasks sync.WaitGroup
}

func newConnection(id, userID, protocolVersion string, stream DeviceStream, settings Settings) *Connection {
	now := time.Now()
	conn := &Connection{
		id:              id,
		userID:          userID,
		protocolVersion: protocolVersion,
		connectedAt:     now,
		stream:          stream,
		outbound:        make(chan *models.Frame, settings.SendQueueSize),
		dequeued:        make(chan struct{}, 1),
		limiter:         rate.NewLimiter(rate.Limit(settings.InboundPerSecond), settings.InboundBurst),
		closing:         make(chan struct{}),
		writerDone:      make(chan struct{}),
		done:            make(chan struct{}),
	}
	conn.lastHeartbeat.Store(now.UnixNano())
	conn.state.Store(int32(StateConnecting))
	return conn
}

func (c *Connection) ID() string              { return c.id }
func (c *Connection) UserID() string          { return c.userID }
func (c *Connection) ProtocolVersion() string { return c.protocolVersion }
func (c *Connection) ConnectedAt() time.Time  { return c.connectedAt }

func (c *Connection) State() State {
	return State(c.state.Load())
}

// LastHeartbeat is the time of the last frame or heartbeat seen from the client.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// QueueDepth is the number of frames waiting for the writer.
func (c *Connection) QueueDepth() int {
	return len(c.outbound)
}

// Done is closed once the transport has been released.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason is only meaningful once the connection left the Active state.
func (c *Connection) CloseReason() CloseReason {
	select {
	case <-c.closing:
		return c.reason
	default:
		return ""
	}
}

func (c *Connection) touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// AllowInbound consumes one token of the inbound rate limiter.
func (c *Connection) AllowInbound() bool {
	return c.limiter.Allow()
}

func (c *Connection) activate() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// beginClose moves the connection to Closing. Only the first caller gets true.
func (c *Connection) beginClose(reason CloseReason) bool {
	started := false
	c.closeOnce.Do(func() {
		c.reason = reason
		c.state.Store(int32(StateClosing))
		close(c.closing)
		started = true
	})
	return started
}

// enqueue hands frame to the writer without blocking.
func (c *Connection) enqueue(frame *models.Frame) error {
	if c.State() != StateActive {
		return ErrDeliveryFailed
	}

	select {
	case c.outbound <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// enqueueWait blocks until the queue is below its replay share, the connection closes or
// ctx ends. Replay only fills half of the queue so live frames sent meanwhile still fit.
func (c *Connection) enqueueWait(ctx context.Context, frame *models.Frame) error {
	limit := max(cap(c.outbound)/2, 1)

	for {
		if c.State() != StateActive {
			return ErrDeliveryFailed
		}

		if len(c.outbound) < limit {
			select {
			case c.outbound <- frame:
				return nil
			default:
			}
		}

		select {
		case <-c.dequeued:
		case <-c.closing:
			return ErrDeliveryFailed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is the only goroutine that calls stream.Send. On a graceful close it keeps
// flushing the queue until it is empty or grace elapses; otherwise queued frames are dropped
// and stay pending in the delivery log.
func (c *Connection) writeLoop(ctx context.Context, grace time.Duration, onError func(error)) {
	defer close(c.writerDone)

	for {
		select {
		case frame := <-c.outbound:
			select {
			case c.dequeued <- struct{}{}:
			default:
			}
			if err := c.write(ctx, frame); err != nil {
				onError(err)
				return
			}
		case <-c.closing:
			if c.reason.Graceful() {
				c.drain(ctx, grace)
			}
			return
		}
	}
}

func (c *Connection) drain(ctx context.Context, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			if n := len(c.outbound); n > 0 {
				util.Log(ctx).WithFields(map[string]any{
					"connection_id": c.id,
					"dropped":       n,
				}).Debug("grace period elapsed with frames still queued")
			}
			return
		case frame := <-c.outbound:
			if err := c.write(ctx, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(ctx context.Context, frame *models.Frame) error {
	if err := c.stream.Send(frame); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": c.id,
			"user_id":       c.userID,
			"error_type":    "outbound.send.error",
		}).Warn("outbound send failed")
		return err
	}

	if frame.OnWritten != nil {
		frame.OnWritten()
	}
	return nil
}
