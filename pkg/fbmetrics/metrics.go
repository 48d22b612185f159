// Package fbmetrics defines the Metrics sink the orchestrator reports
// through, plus an OpenTelemetry-backed implementation. The interface
// keeps the core decoupled from any particular telemetry backend, the
// same way the teacher keeps its runtime decoupled from a concrete
// exporter behind its own telemetry package.
package fbmetrics

import (
	"context"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// Metrics records the fallback engine's counters. Every method is
// best-effort: a Metrics implementation must never return an error or
// block the orchestration it's instrumenting.
type Metrics interface {
	RecordRateLimitDetected(ctx context.Context, model fbtypes.ModelRef)
	RecordFallbackAttempt(ctx context.Context, from, to fbtypes.ModelRef)
	RecordFallbackExhausted(ctx context.Context, session fbtypes.SessionID)
	RecordFallbackSuccess(ctx context.Context, model fbtypes.ModelRef)
	RecordRetry(ctx context.Context, session fbtypes.SessionID, attempt int, delayMs int64)
	RecordCircuitStateChange(ctx context.Context, model fbtypes.ModelRef, state string)
}

// Noop discards every recorded metric. Useful as the zero-config default.
type Noop struct{}

func (Noop) RecordRateLimitDetected(context.Context, fbtypes.ModelRef)                  {}
func (Noop) RecordFallbackAttempt(context.Context, fbtypes.ModelRef, fbtypes.ModelRef)  {}
func (Noop) RecordFallbackExhausted(context.Context, fbtypes.SessionID)                 {}
func (Noop) RecordFallbackSuccess(context.Context, fbtypes.ModelRef)                    {}
func (Noop) RecordRetry(context.Context, fbtypes.SessionID, int, int64)                 {}
func (Noop) RecordCircuitStateChange(context.Context, fbtypes.ModelRef, string)         {}

var _ Metrics = Noop{}
