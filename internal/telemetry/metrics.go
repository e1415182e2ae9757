// Package telemetry holds the OpenTelemetry instruments shared by the realtime service.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Message metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	MessagesPostedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.messages.posted",
		"Messages committed to a conversation log",
	)

	MessagesRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.messages.rejected",
		"Posts refused before a sequence was assigned",
	)

	MessagesDuplicateCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.messages.duplicate",
		"Posts answered from an existing idempotency record",
	)

	HistoryFetchCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.history.fetched",
		"History pages served",
	)
)

// Delivery metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	DeliveriesEnqueuedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.deliveries.enqueued",
		"Frames accepted onto a connection send queue",
	)

	DeliveriesWrittenCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.deliveries.written",
		"Frames written to a client transport",
	)

	DeliveriesPendingCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.deliveries.pending",
		"Recipient deliveries left pending for resync",
	)

	DeliveriesResyncedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.deliveries.resynced",
		"Pending deliveries replayed on reconnect",
	)

	AcknowledgementsCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.acknowledgements",
		"Read marker advances",
	)

	RouteLatencyHistogram = telemetry.LatencyMeasure(
		"realtime.route",
	)
)

// Connection metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.active",
		"Connections currently registered",
	)

	ConnectionsOpenedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.opened",
		"Connections that completed the handshake",
	)

	ConnectionsRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.rejected",
		"Handshakes refused by authentication or version negotiation",
	)

	ConnectionsClosedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.closed",
		"Connections closed for any reason",
	)

	ConnectionsOverflowCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.overflow",
		"Connections closed because the send queue filled",
	)

	ConnectionsTimedOutCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.timeout",
		"Connections closed for missing heartbeats",
	)

	InboundRateLimitedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.inbound.rate_limited",
		"Inbound frames dropped by the per-connection limiter",
	)
)

// Media metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	MediaResolvedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.media.resolved",
		"Media references authorised for a message",
	)

	MediaLookupFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.media.lookup_failed",
		"Media store lookups that failed transiently",
	)
)

// PresenceTransitionsCounter counts online/offline flips.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var PresenceTransitionsCounter = telemetry.DimensionlessMeasure(
	"",
	"realtime.presence.transitions",
	"User online/offline transitions",
)
