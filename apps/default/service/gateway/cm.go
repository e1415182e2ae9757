// Package gateway owns the realtime client connections of one service instance.
//
// Every connection runs three goroutines: a reader that feeds inbound frames to the
// serve loop, the serve loop itself, and a writer that is the only caller of
// DeviceStream.Send. Outbound frames pass through a bounded per-connection queue;
// a full queue fails the send immediately and closes the connection with
// CloseSendQueueOverflow, leaving the undelivered messages pending for resync.
//
// Lifecycle:
//
//	Connecting -> Active -> Closing -> Closed
//
// A connection is only Active once the Authenticator accepted its token and the
// protocol version was negotiated. Closing releases the pool slot and presence at
// once; the transport is closed after the writer drained (graceful reasons) or
// immediately (everything else).
//
// Background tasks:
//   - Stale connection sweep: closes connections without a heartbeat for HeartbeatTimeout
//   - Metrics reporting: every 10 seconds
//   - Health monitoring: every 60 seconds, warns above 80% pool utilisation
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/config"
	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

const (
	metricsReportInterval = 10 * time.Second
	healthCheckInterval   = 60 * time.Second
	drainPollInterval     = 100 * time.Millisecond

	staleCheckDivisor      = 3
	utilizationThreshold   = 80
	utilizationScaleFactor = 100
	maxInt32               = 2147483647
)

// SettingsFromConfig derives connection manager settings from the service configuration.
func SettingsFromConfig(cfg *config.RealtimeConfig) Settings {
	return Settings{
		SupportedVersions: cfg.SupportedProtocolVersions,
		MaxConnections:    cfg.MaxConnections,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		CloseGracePeriod:  cfg.CloseGracePeriod(),
		InboundPerSecond:  cfg.MaxInboundPerSecond,
		InboundBurst:      cfg.InboundBurst,
	}
}

type connectionManager struct {
	connPool *connectionPool
	settings Settings

	auth     Authenticator
	presence PresenceRegistry
	chat     ChatService

	draining     atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	// wg tracks background tasks, connWG tracks connection finalisers.
	wg     sync.WaitGroup
	connWG sync.WaitGroup

	totalConns    atomic.Uint64
	rejectedConns atomic.Uint64
	closedConns   atomic.Uint64
	overflowConns atomic.Uint64
	timedOutConns atomic.Uint64
}

// NewConnectionManager builds the manager and starts its background tasks.
// Call SetChatService before serving traffic.
func NewConnectionManager(
	ctx context.Context,
	settings Settings,
	auth Authenticator,
	presence PresenceRegistry,
) ConnectionManager {
	cm := newConnectionManager(settings, auth, presence)
	cm.startBackgroundTasks(ctx)
	return cm
}

func newConnectionManager(settings Settings, auth Authenticator, presence PresenceRegistry) *connectionManager {
	if settings.StaleCheckInterval <= 0 {
		settings.StaleCheckInterval = settings.HeartbeatTimeout / staleCheckDivisor
	}
	if settings.SendQueueSize <= 0 {
		settings.SendQueueSize = 1
	}

	poolSize := min(settings.MaxConnections, maxInt32)

	return &connectionManager{
		connPool:   newConnectionPool(int32(poolSize)), //nolint:gosec // capped above
		settings:   settings,
		auth:       auth,
		presence:   presence,
		shutdownCh: make(chan struct{}),
	}
}

func (cm *connectionManager) SetChatService(chat ChatService) {
	cm.chat = chat
}

func (cm *connectionManager) startBackgroundTasks(ctx context.Context) {
	cm.wg.Go(func() { cm.sweepStaleConnections(ctx) })
	cm.wg.Go(func() { cm.reportMetrics(ctx) })
	cm.wg.Go(func() { cm.monitorHealth(ctx) })
}

func (cm *connectionManager) isShuttingDown() bool {
	select {
	case <-cm.shutdownCh:
		return true
	default:
		return false
	}
}

// HandleConnection blocks until the connection is closed by the client, the server,
// a heartbeat timeout or a transport error.
func (cm *connectionManager) HandleConnection(
	ctx context.Context,
	token string,
	protocolVersion string,
	stream DeviceStream,
) error {
	if cm.Draining() {
		_ = stream.Close(CloseServerShutdown)
		return ErrShuttingDown
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, cm.settings.HandshakeTimeout)
	userID, err := cm.auth.Verify(handshakeCtx, token)
	cancel()
	if err != nil {
		cm.reject(ctx, stream, CloseAuthRejected, err)
		return fmt.Errorf("%w: %w", service.ErrAuthRejected, err)
	}

	version, err := cm.negotiate(protocolVersion)
	if err != nil {
		cm.reject(ctx, stream, CloseProtocolUnsupported, err)
		return err
	}

	conn, err := cm.Register(ctx, userID, version, stream)
	if err != nil {
		reason := CloseServerShutdown
		if errors.Is(err, ErrConnectionPoolFull) {
			reason = CloseServerOverloaded
		}
		_ = stream.Close(reason)
		return err
	}

	cm.serve(ctx, conn)
	return nil
}

func (cm *connectionManager) reject(ctx context.Context, stream DeviceStream, reason CloseReason, cause error) {
	cm.rejectedConns.Add(1)
	telemetry.ConnectionsRejectedCounter.Add(ctx, 1)

	util.Log(ctx).WithError(cause).WithField("reason", string(reason)).Debug("handshake rejected")
	_ = stream.Close(reason)
}

// negotiate picks the protocol version. An empty request means the first supported version.
func (cm *connectionManager) negotiate(requested string) (string, error) {
	if requested == "" && len(cm.settings.SupportedVersions) > 0 {
		return cm.settings.SupportedVersions[0], nil
	}
	if !slices.Contains(cm.settings.SupportedVersions, requested) {
		return "", fmt.Errorf("%w: %q", ErrProtocolUnsupported, requested)
	}
	return requested, nil
}

func (cm *connectionManager) Register(
	ctx context.Context,
	userID string,
	protocolVersion string,
	stream DeviceStream,
) (*Connection, error) {
	if cm.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	cm.totalConns.Add(1)

	conn := newConnection(uuid.NewString(), userID, protocolVersion, stream, cm.settings)
	detached := context.WithoutCancel(ctx)
	go conn.writeLoop(detached, cm.settings.CloseGracePeriod, func(err error) {
		cm.closeConnection(detached, conn, CloseTransportError)
	})

	if err := cm.connPool.add(conn); err != nil {
		cm.rejectedConns.Add(1)
		telemetry.ConnectionsRejectedCounter.Add(ctx, 1)
		conn.beginClose(CloseServerOverloaded)
		<-conn.writerDone
		return nil, err
	}

	cameOnline := cm.presence.MarkOnline(userID, conn.id)

	// A concurrent close (shutdown sweep) may already own the connection.
	if !conn.activate() {
		cm.presence.MarkOffline(userID, conn.id)
		return nil, ErrShuttingDown
	}

	telemetry.ConnectionsOpenedCounter.Add(ctx, 1)
	telemetry.ConnectionsActiveGauge.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id":    conn.id,
		"user_id":          userID,
		"protocol_version": protocolVersion,
		"pool_size":        cm.connPool.size(),
	}).Debug("connection registered")

	if chat := cm.chat; chat != nil {
		if cameOnline {
			chat.PresenceChanged(detached, userID, models.PresenceOnline)
		}
		conn.tasks.Go(func() { cm.resync(detached, chat, conn) })
	}

	return conn, nil
}

// resync replays the user's pending deliveries onto the new connection.
// Live frames routed meanwhile may interleave; clients order by sequence.
func (cm *connectionManager) resync(ctx context.Context, chat ChatService, conn *Connection) {
	sent, err := chat.ResyncPending(ctx, conn.userID, conn.enqueueWait)
	if err != nil && !errors.Is(err, ErrDeliveryFailed) {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.id,
			"user_id":       conn.userID,
			"replayed":      sent,
		}).Warn("resync stopped early")
	}
}

// serve pumps inbound frames until the connection starts closing.
func (cm *connectionManager) serve(ctx context.Context, conn *Connection) {
	inbox := make(chan *models.Frame)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			frame, err := conn.stream.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbox <- frame:
			case <-conn.closing:
				return
			}
		}
	}()

serveLoop:
	for {
		select {
		case frame := <-inbox:
			cm.handleInbound(ctx, conn, frame)
		case err := <-readErr:
			reason := CloseTransportError
			if errors.Is(err, io.EOF) {
				reason = CloseClientClosed
			}
			cm.closeConnection(ctx, conn, reason)
			break serveLoop
		case <-conn.closing:
			break serveLoop
		case <-ctx.Done():
			cm.closeConnection(ctx, conn, CloseServerShutdown)
			break serveLoop
		}
	}

	<-conn.done
	<-readerDone
}

func (cm *connectionManager) Send(ctx context.Context, connectionID string, frame *models.Frame) error {
	conn, ok := cm.connPool.get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrConnectionNotFound)
	}

	err := conn.enqueue(frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSendQueueFull):
		// Close before returning so no later frame can overtake the dropped one.
		if conn.beginClose(CloseSendQueueOverflow) {
			cm.overflowConns.Add(1)
			telemetry.ConnectionsOverflowCounter.Add(ctx, 1)
			util.Log(ctx).WithFields(map[string]any{
				"connection_id": conn.id,
				"user_id":       conn.userID,
				"queue_size":    cm.settings.SendQueueSize,
			}).Warn("send queue overflow, closing connection")

			detached := context.WithoutCancel(ctx)
			cm.connWG.Go(func() { cm.release(detached, conn, CloseSendQueueOverflow) })
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	default:
		return err
	}
}

func (cm *connectionManager) Heartbeat(_ context.Context, connectionID string) error {
	conn, ok := cm.connPool.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	conn.touch()
	return nil
}

// Close is idempotent: an unknown or already closed id is not an error.
func (cm *connectionManager) Close(ctx context.Context, connectionID string, reason CloseReason) error {
	conn, ok := cm.connPool.get(connectionID)
	if !ok {
		return nil
	}
	cm.closeConnection(ctx, conn, reason)
	return nil
}

func (cm *connectionManager) closeConnection(ctx context.Context, conn *Connection, reason CloseReason) {
	if !conn.beginClose(reason) {
		return
	}
	cm.release(context.WithoutCancel(ctx), conn, reason)
}

// release frees the pool slot and presence entry and schedules the transport close.
func (cm *connectionManager) release(ctx context.Context, conn *Connection, reason CloseReason) {
	if cm.connPool.remove(conn.id) != nil {
		telemetry.ConnectionsActiveGauge.Add(ctx, -1)
	}
	cm.closedConns.Add(1)
	telemetry.ConnectionsClosedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": conn.id,
		"user_id":       conn.userID,
		"reason":        string(reason),
		"duration":      time.Since(conn.connectedAt).String(),
	}).Debug("connection closing")

	if cm.presence.MarkOffline(conn.userID, conn.id) && cm.chat != nil {
		cm.chat.PresenceChanged(ctx, conn.userID, models.PresenceOffline)
	}

	cm.connWG.Go(func() { cm.finalize(ctx, conn, reason) })
}

func (cm *connectionManager) finalize(ctx context.Context, conn *Connection, reason CloseReason) {
	if reason.Graceful() {
		<-conn.writerDone
		cm.closeStream(ctx, conn, reason)
	} else {
		// Unblocks a writer stuck on a slow client.
		cm.closeStream(ctx, conn, reason)
		<-conn.writerDone
	}

	conn.tasks.Wait()
	conn.state.Store(int32(StateClosed))
	close(conn.done)
}

func (cm *connectionManager) closeStream(ctx context.Context, conn *Connection, reason CloseReason) {
	if err := conn.stream.Close(reason); err != nil {
		util.Log(ctx).WithError(err).WithField("connection_id", conn.id).Debug("transport close failed")
	}
}

func (cm *connectionManager) GetConnection(connectionID string) (*Connection, bool) {
	return cm.connPool.get(connectionID)
}

func (cm *connectionManager) ActiveConnections() int32 {
	return cm.connPool.size()
}

func (cm *connectionManager) Capacity() int32 {
	return cm.connPool.maxSize
}

func (cm *connectionManager) sweepStaleConnections(ctx context.Context) {
	ticker := time.NewTicker(cm.settings.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.performCleanup(ctx)
		}
	}
}

// performCleanup closes every connection whose last heartbeat is older than HeartbeatTimeout.
func (cm *connectionManager) performCleanup(ctx context.Context) {
	now := time.Now()

	staleCount := 0
	cm.connPool.forEach(func(conn *Connection) {
		age := now.Sub(conn.LastHeartbeat())
		if age <= cm.settings.HeartbeatTimeout {
			return
		}

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": conn.id,
			"user_id":       conn.userID,
			"age":           age.String(),
		}).Warn("closing connection without heartbeat")

		cm.closeConnection(ctx, conn, CloseConnectionTimeout)
		staleCount++
	})

	if staleCount > 0 {
		cm.timedOutConns.Add(uint64(staleCount)) //nolint:gosec // non-negative
		telemetry.ConnectionsTimedOutCounter.Add(ctx, int64(staleCount))
	}
}

func (cm *connectionManager) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.publishMetrics(ctx)
		}
	}
}

func (cm *connectionManager) publishMetrics(ctx context.Context) {
	poolSize := cm.connPool.size()

	util.Log(ctx).WithFields(map[string]any{
		"metric_type":         "connection_stats",
		"connections_active":  poolSize,
		"connections_total":   cm.totalConns.Load(),
		"connections_refused": cm.rejectedConns.Load(),
		"connections_closed":  cm.closedConns.Load(),
		"connections_overrun": cm.overflowConns.Load(),
		"connections_timeout": cm.timedOutConns.Load(),
		"pool_utilization":    cm.utilization(),
	}).Debug("connection metrics")
}

func (cm *connectionManager) utilization() float64 {
	if cm.connPool.maxSize == 0 {
		return 0
	}
	return float64(cm.connPool.size()) / float64(cm.connPool.maxSize) * utilizationScaleFactor
}

func (cm *connectionManager) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.performHealthCheck(ctx)
		}
	}
}

func (cm *connectionManager) performHealthCheck(ctx context.Context) {
	utilization := cm.utilization()
	if utilization > utilizationThreshold {
		util.Log(ctx).WithFields(map[string]any{
			"pool_size":   cm.connPool.size(),
			"max_size":    cm.connPool.maxSize,
			"utilization": fmt.Sprintf("%.2f%%", utilization),
		}).Warn("connection pool utilization high")
	}
}

// DrainConnections waits until every connection has gone or ctx ends.
func (cm *connectionManager) DrainConnections(ctx context.Context) {
	if !cm.draining.Swap(true) {
		cm.announceDrain(ctx)
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for cm.connPool.size() > 0 {
		select {
		case <-ctx.Done():
			util.Log(ctx).WithField("remaining", cm.connPool.size()).Warn("drain deadline reached")
			return
		case <-ticker.C:
		}
	}
}

// announceDrain sends every live connection an unavailable error frame so clients
// reconnect to another instance. A client with a full queue simply misses it.
func (cm *connectionManager) announceDrain(ctx context.Context) {
	notice, err := models.NewFrame(models.FrameError, "", models.ErrorPayload{
		Code:    connect.CodeUnavailable.String(),
		Message: "server is draining, reconnect",
	})
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not encode drain notice")
		return
	}

	notified := 0
	cm.connPool.forEach(func(conn *Connection) {
		if conn.enqueue(notice) == nil {
			notified++
		}
	})
	util.Log(ctx).WithField("notified", notified).Info("draining connections")
}

func (cm *connectionManager) Draining() bool {
	return cm.draining.Load()
}

// Shutdown refuses new connections, closes the live ones with CloseServerShutdown
// and waits for their transports and the background tasks, bounded by ctx.
// It is safe to call more than once.
func (cm *connectionManager) Shutdown(ctx context.Context) error {
	var err error
	cm.shutdownOnce.Do(func() {
		cm.draining.Store(true)
		util.Log(ctx).WithField("connections", cm.connPool.size()).Info("shutting down connection manager")
		close(cm.shutdownCh)

		cm.connPool.forEach(func(conn *Connection) {
			cm.closeConnection(ctx, conn, CloseServerShutdown)
		})

		done := make(chan struct{})
		go func() {
			cm.wg.Wait()
			cm.connWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Info("connection manager shutdown complete")
		case <-ctx.Done():
			err = fmt.Errorf("connection manager shutdown: %w", ctx.Err())
			util.Log(ctx).WithError(err).Warn("connection manager shutdown timed out")
		}
	})
	return err
}
