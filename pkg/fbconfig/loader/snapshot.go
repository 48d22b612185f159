package loader

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
)

// WriteDebugSnapshot dumps the effective (post-Sanitized) config to path as
// YAML, for operators diffing "what did the core actually load" against
// their source file. Written atomically so a concurrent reader never
// observes a half-written file.
func WriteDebugSnapshot(path string, cfg fbconfig.FallbackConfig) error {
	models := make([]string, len(cfg.Models))
	for i, m := range cfg.Models {
		models[i] = m.Key()
	}

	fc := fileConfig{
		Models:                 models,
		CooldownMs:             cfg.CooldownMs.Milliseconds(),
		Mode:                   string(cfg.Mode),
		HealthSelectionEnabled: cfg.HealthSelectionEnabled,
		EnableSubagentFallback: cfg.EnableSubagentFallback,
		CircuitBreaker: circuitBreakerFile{
			Enabled:                   cfg.CircuitBreaker.Enabled,
			FailureThreshold:          cfg.CircuitBreaker.FailureThreshold,
			OpenDurationMs:            cfg.CircuitBreaker.OpenDuration.Milliseconds(),
			HalfOpenMaxProbes:         cfg.CircuitBreaker.HalfOpenMaxProbes,
			CountRateLimitsAsFailures: cfg.CircuitBreaker.CountRateLimitsAsFailures,
		},
		RetryPolicy: retryPolicyFile{
			MaxRetries:         cfg.RetryPolicy.MaxRetries,
			Strategy:           string(cfg.RetryPolicy.Strategy),
			BaseDelayMs:        cfg.RetryPolicy.BaseDelayMs.Milliseconds(),
			MaxDelayMs:         cfg.RetryPolicy.MaxDelayMs.Milliseconds(),
			JitterEnabled:      cfg.RetryPolicy.JitterEnabled,
			JitterFactor:       cfg.RetryPolicy.JitterFactor,
			TimeoutMs:          cfg.RetryPolicy.TimeoutMs.Milliseconds(),
			PolynomialBase:     cfg.RetryPolicy.PolynomialBase,
			PolynomialExponent: cfg.RetryPolicy.PolynomialExponent,
		},
	}

	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("loader: marshal snapshot: %w", err)
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
