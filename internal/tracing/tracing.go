// Package tracing provides the single process-wide OpenTelemetry tracer used
// to follow a session's lifecycle across the provider bridge, tool
// dispatcher, and post-call reconciler.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/voicebridge/sessionrt"

// Tracer returns the runtime's named tracer. Callers wrap the provider
// opening handshake, each tool dispatch, and each reconciliation job in a
// span from this tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
