// Package fbconfig defines the immutable FallbackConfig snapshot (spec
// §3) and its construction-time/reload-time validation rules (I4, §4.6).
// The core never refuses to run on a bad config; invalid fields fall back
// to documented defaults and the caller gets back the list of corrections
// that were made, mirroring the teacher's config validation style in
// pkg/config (defaults-over-refusal, warnings surfaced via slog by the
// caller).
package fbconfig

import (
	"fmt"
	"time"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// Mode selects the Model Selector's behavior once every configured model
// has been attempted (C5 step 4).
type Mode string

const (
	ModeCycle     Mode = "cycle"
	ModeStop      Mode = "stop"
	ModeRetryLast Mode = "retry-last"
)

// Strategy selects the Retry Manager's backoff formula (C6).
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyPolynomial  Strategy = "polynomial"
	StrategyCustom      Strategy = "custom"
)

// CustomDelayFunc computes the delay before the (n+1)-th attempt, 0-indexed
// by the number of attempts already made.
type CustomDelayFunc func(attempt int) (time.Duration, error)

// RetryPolicy configures per-(session,message) retry behavior (C6).
type RetryPolicy struct {
	MaxRetries         int
	Strategy           Strategy
	BaseDelayMs        time.Duration
	MaxDelayMs         time.Duration
	JitterEnabled      bool
	JitterFactor       float64 // [0,1]
	TimeoutMs          time.Duration
	PolynomialBase     float64
	PolynomialExponent float64
	CustomFn           CustomDelayFunc
}

// Prioritizer reorders a candidate list (e.g. by recent usage); the
// selector always picks its head after reordering. See spec C5 step 3.
type Prioritizer interface {
	Reorder(candidates []fbtypes.ModelRef) []fbtypes.ModelRef
}

// DynamicPrioritization is the spec's "optional knob" for reordering
// candidates by recent usage+health ahead of plain health-score sorting.
type DynamicPrioritization struct {
	Enabled     bool
	Prioritizer Prioritizer
}

// FallbackConfig is the immutable snapshot every component reads from.
// Replace it atomically on reload (see orchestrator.Core.UpdateConfig);
// never mutate a FallbackConfig value in place.
type FallbackConfig struct {
	Models                 []fbtypes.ModelRef
	CooldownMs             time.Duration
	Mode                   Mode
	HealthSelectionEnabled bool
	DynamicPrioritization  *DynamicPrioritization
	CircuitBreaker         circuitbreaker.Config
	RetryPolicy            RetryPolicy
	EnableSubagentFallback bool
}

// Default returns a FallbackConfig with sane defaults and zero configured
// models (the caller must still supply Models).
func Default() FallbackConfig {
	return FallbackConfig{
		CooldownMs: 5 * time.Minute,
		Mode:       ModeCycle,
		CircuitBreaker: circuitbreaker.Config{
			Enabled:           true,
			FailureThreshold:  5,
			OpenDuration:      30 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		RetryPolicy: RetryPolicy{
			MaxRetries:         3,
			Strategy:           StrategyExponential,
			BaseDelayMs:        time.Second,
			MaxDelayMs:         30 * time.Second,
			JitterEnabled:      true,
			JitterFactor:       0.1,
			PolynomialBase:     1.5,
			PolynomialExponent: 2,
		},
		EnableSubagentFallback: true,
	}
}

// Sanitized validates c against I4/§4.6, returning a corrected copy and a
// human-readable list of every correction applied (for the caller to log —
// the core itself never logs on the caller's behalf for a pure function
// like this).
func (c FallbackConfig) Sanitized() (FallbackConfig, []string) {
	var warnings []string
	out := c

	if out.CooldownMs <= 0 {
		warnings = append(warnings, "cooldownMs <= 0, using default 5m")
		out.CooldownMs = 5 * time.Minute
	}

	switch out.Mode {
	case ModeCycle, ModeStop, ModeRetryLast:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown mode %q, defaulting to cycle", out.Mode))
		out.Mode = ModeCycle
	}

	out.CircuitBreaker = out.CircuitBreaker.Sanitized()

	rp, rpWarnings := out.RetryPolicy.Sanitized()
	out.RetryPolicy = rp
	warnings = append(warnings, rpWarnings...)

	return out, warnings
}

// Sanitized validates rp against §4.6, returning a corrected copy and the
// list of corrections applied.
func (rp RetryPolicy) Sanitized() (RetryPolicy, []string) {
	var warnings []string
	out := rp

	if out.MaxRetries < 0 {
		warnings = append(warnings, "retryPolicy.maxRetries < 0, defaulting to 3")
		out.MaxRetries = 3
	}

	switch out.Strategy {
	case StrategyImmediate, StrategyLinear, StrategyExponential, StrategyPolynomial:
	case StrategyCustom:
		if out.CustomFn == nil {
			warnings = append(warnings, "retryPolicy.strategy=custom with no CustomFn, degrading to immediate")
			out.Strategy = StrategyImmediate
		}
	default:
		warnings = append(warnings, "unknown retryPolicy.strategy, defaulting to exponential")
		out.Strategy = StrategyExponential
	}

	if out.BaseDelayMs < 0 {
		warnings = append(warnings, "retryPolicy.baseDelayMs < 0, defaulting to 1s")
		out.BaseDelayMs = time.Second
	}
	if out.MaxDelayMs < 0 {
		warnings = append(warnings, "retryPolicy.maxDelayMs < 0, defaulting to 30s")
		out.MaxDelayMs = 30 * time.Second
	}
	if out.BaseDelayMs > out.MaxDelayMs {
		warnings = append(warnings, "retryPolicy.baseDelayMs > maxDelayMs, swapping")
		out.BaseDelayMs, out.MaxDelayMs = out.MaxDelayMs, out.BaseDelayMs
	}
	if out.JitterFactor < 0 || out.JitterFactor > 1 {
		warnings = append(warnings, "retryPolicy.jitterFactor outside [0,1], defaulting to 0.1")
		out.JitterFactor = 0.1
	}
	if out.Strategy == StrategyPolynomial {
		if out.PolynomialBase <= 0 {
			out.PolynomialBase = 1.5
		}
		if out.PolynomialExponent <= 0 {
			out.PolynomialExponent = 2
		}
	}

	return out, warnings
}
