// Package loader reads a FallbackConfig from a YAML file on disk, outside
// the core's import graph (spec §6: the core never touches a filesystem
// path or watches for file changes itself — a host wires loader output
// into orchestrator.Core.UpdateConfig).
package loader

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// fileConfig mirrors fbconfig.FallbackConfig in a YAML-friendly shape:
// durations as milliseconds, models as "provider/model" strings.
type fileConfig struct {
	Models                 []string           `yaml:"models"`
	CooldownMs             int64              `yaml:"cooldown_ms"`
	Mode                   string             `yaml:"mode"`
	HealthSelectionEnabled bool               `yaml:"health_selection_enabled"`
	CircuitBreaker         circuitBreakerFile `yaml:"circuit_breaker"`
	RetryPolicy            retryPolicyFile    `yaml:"retry_policy"`
	EnableSubagentFallback bool               `yaml:"enable_subagent_fallback"`
}

type circuitBreakerFile struct {
	Enabled                   bool  `yaml:"enabled"`
	FailureThreshold          int   `yaml:"failure_threshold"`
	OpenDurationMs            int64 `yaml:"open_duration_ms"`
	HalfOpenMaxProbes         int   `yaml:"half_open_max_probes"`
	CountRateLimitsAsFailures bool  `yaml:"count_rate_limits_as_failures"`
}

type retryPolicyFile struct {
	MaxRetries         int     `yaml:"max_retries"`
	Strategy           string  `yaml:"strategy"`
	BaseDelayMs        int64   `yaml:"base_delay_ms"`
	MaxDelayMs         int64   `yaml:"max_delay_ms"`
	JitterEnabled      bool    `yaml:"jitter_enabled"`
	JitterFactor       float64 `yaml:"jitter_factor"`
	TimeoutMs          int64   `yaml:"timeout_ms"`
	PolynomialBase     float64 `yaml:"polynomial_base"`
	PolynomialExponent float64 `yaml:"polynomial_exponent"`
}

// Load reads and parses path into a FallbackConfig, sanitizing it before
// returning. The second return value lists every correction Sanitized
// applied; the caller (typically a host's startup code) decides whether to
// log them.
func Load(path string) (fbconfig.FallbackConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fbconfig.FallbackConfig{}, nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a sanitized FallbackConfig.
func Parse(data []byte) (fbconfig.FallbackConfig, []string, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fbconfig.FallbackConfig{}, nil, fmt.Errorf("loader: parse config: %w", err)
	}

	cfg := fbconfig.Default()
	cfg.Models = make([]fbtypes.ModelRef, len(fc.Models))
	for i, m := range fc.Models {
		cfg.Models[i] = fbtypes.ParseModelKey(m)
	}
	if fc.Mode != "" {
		cfg.Mode = fbconfig.Mode(fc.Mode)
	}
	if fc.CooldownMs > 0 {
		cfg.CooldownMs = time.Duration(fc.CooldownMs) * time.Millisecond
	}
	cfg.HealthSelectionEnabled = fc.HealthSelectionEnabled
	cfg.EnableSubagentFallback = fc.EnableSubagentFallback

	cfg.CircuitBreaker = circuitbreaker.Config{
		Enabled:                   fc.CircuitBreaker.Enabled,
		FailureThreshold:          fc.CircuitBreaker.FailureThreshold,
		OpenDuration:              time.Duration(fc.CircuitBreaker.OpenDurationMs) * time.Millisecond,
		HalfOpenMaxProbes:         fc.CircuitBreaker.HalfOpenMaxProbes,
		CountRateLimitsAsFailures: fc.CircuitBreaker.CountRateLimitsAsFailures,
	}

	cfg.RetryPolicy = fbconfig.RetryPolicy{
		MaxRetries:         fc.RetryPolicy.MaxRetries,
		Strategy:           fbconfig.Strategy(fc.RetryPolicy.Strategy),
		BaseDelayMs:        time.Duration(fc.RetryPolicy.BaseDelayMs) * time.Millisecond,
		MaxDelayMs:         time.Duration(fc.RetryPolicy.MaxDelayMs) * time.Millisecond,
		JitterEnabled:      fc.RetryPolicy.JitterEnabled,
		JitterFactor:       fc.RetryPolicy.JitterFactor,
		TimeoutMs:          time.Duration(fc.RetryPolicy.TimeoutMs) * time.Millisecond,
		PolynomialBase:     fc.RetryPolicy.PolynomialBase,
		PolynomialExponent: fc.RetryPolicy.PolynomialExponent,
	}

	// A block absent from the file keeps the built-in defaults.
	if fc.CircuitBreaker == (circuitBreakerFile{}) {
		cfg.CircuitBreaker = fbconfig.Default().CircuitBreaker
	}
	if fc.RetryPolicy == (retryPolicyFile{}) {
		cfg.RetryPolicy = fbconfig.Default().RetryPolicy
	}

	sanitized, warnings := cfg.Sanitized()
	return sanitized, warnings, nil
}
