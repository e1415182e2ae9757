package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	MessageTracer      = telemetry.NewTracer("realtime.message")
	RouteTracer        = telemetry.NewTracer("realtime.route")
	ConversationTracer = telemetry.NewTracer("realtime.conversation")
	MediaTracer        = telemetry.NewTracer("realtime.media")
)
