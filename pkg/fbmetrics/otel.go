package fbmetrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// OTelMetrics records every fallback-engine counter through an
// OpenTelemetry meter, mirroring the attribute-tagged counter style the
// teacher uses for its own runtime telemetry.
type OTelMetrics struct {
	rateLimitDetected    metric.Int64Counter
	fallbackAttempts     metric.Int64Counter
	fallbackExhausted    metric.Int64Counter
	fallbackSuccess      metric.Int64Counter
	retries              metric.Int64Counter
	retryDelay           metric.Int64Histogram
	circuitStateChanges  metric.Int64Counter
}

// NewOTelMetrics builds an OTelMetrics backed by meter. meter is
// typically obtained from the host's otel.Meter(instrumentationName).
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	var err error
	m := &OTelMetrics{}

	if m.rateLimitDetected, err = meter.Int64Counter("fallback.rate_limit_detected"); err != nil {
		return nil, err
	}
	if m.fallbackAttempts, err = meter.Int64Counter("fallback.attempts"); err != nil {
		return nil, err
	}
	if m.fallbackExhausted, err = meter.Int64Counter("fallback.exhausted"); err != nil {
		return nil, err
	}
	if m.fallbackSuccess, err = meter.Int64Counter("fallback.success"); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("fallback.retries"); err != nil {
		return nil, err
	}
	if m.retryDelay, err = meter.Int64Histogram("fallback.retry_delay_ms"); err != nil {
		return nil, err
	}
	if m.circuitStateChanges, err = meter.Int64Counter("fallback.circuit_state_changes"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OTelMetrics) RecordRateLimitDetected(ctx context.Context, model fbtypes.ModelRef) {
	m.rateLimitDetected.Add(ctx, 1, metric.WithAttributes(modelAttrs(model)...))
}

func (m *OTelMetrics) RecordFallbackAttempt(ctx context.Context, from, to fbtypes.ModelRef) {
	m.fallbackAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_model", from.Key()),
		attribute.String("to_model", to.Key()),
	))
}

func (m *OTelMetrics) RecordFallbackExhausted(ctx context.Context, session fbtypes.SessionID) {
	m.fallbackExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("session", string(session))))
}

func (m *OTelMetrics) RecordFallbackSuccess(ctx context.Context, model fbtypes.ModelRef) {
	m.fallbackSuccess.Add(ctx, 1, metric.WithAttributes(modelAttrs(model)...))
}

func (m *OTelMetrics) RecordRetry(ctx context.Context, session fbtypes.SessionID, attempt int, delayMs int64) {
	attrs := metric.WithAttributes(
		attribute.String("session", string(session)),
		attribute.Int("attempt", attempt),
	)
	m.retries.Add(ctx, 1, attrs)
	m.retryDelay.Record(ctx, delayMs, attrs)
}

func (m *OTelMetrics) RecordCircuitStateChange(ctx context.Context, model fbtypes.ModelRef, state string) {
	m.circuitStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model.Key()),
		attribute.String("state", state),
	))
}

func modelAttrs(model fbtypes.ModelRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("provider", model.ProviderID),
		attribute.String("model", model.ModelID),
	}
}

var _ Metrics = (*OTelMetrics)(nil)
