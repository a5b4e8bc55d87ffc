// Package telemetry centralizes the otel tracer names used across the
// store so every component starts spans the same way.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loofy147/ledgerjournal"

// Tracer returns a named tracer scoped to a single component, mirroring
// the per-component otel.Tracer(...) calls in the original event store.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}
