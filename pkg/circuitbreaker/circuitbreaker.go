// Package circuitbreaker implements a per-model CLOSED/OPEN/HALF_OPEN
// circuit breaker (C3), mirroring the state-machine shape of the pack's
// circuit-breaker reference implementations but keyed per ModelRef and
// driven by the fallback engine's own failure/success signals rather than
// HTTP middleware.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config governs threshold/timing behavior. See spec §3 FallbackConfig.circuitBreaker.
type Config struct {
	Enabled          bool
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenMaxProbes int
	// CountRateLimitsAsFailures resolves the spec's open question: whether
	// a rate-limit failure counts toward the consecutive-failure threshold.
	// Default false — rate limits are Cooldown's job, the circuit isolates
	// on hard (non-rate-limit) errors only. See DESIGN.md.
	CountRateLimitsAsFailures bool
}

func (c Config) Sanitized() Config {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.OpenDuration <= 0 {
		out.OpenDuration = 30 * time.Second
	}
	if out.HalfOpenMaxProbes <= 0 {
		out.HalfOpenMaxProbes = 1
	}
	return out
}

type entry struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int32
}

// Breaker holds per-model circuit state. The zero value is not usable; use New.
type Breaker struct {
	cfg    atomic.Pointer[Config]
	models *concurrent.Map[string, *entry]
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		models: concurrent.NewMap[string, *entry](),
		logger: logger,
	}
	sanitized := cfg.Sanitized()
	b.cfg.Store(&sanitized)
	return b
}

// UpdateConfig atomically swaps the breaker's config. Existing per-model
// state (CircuitState) is preserved across reload, per spec §6.
func (b *Breaker) UpdateConfig(cfg Config) {
	sanitized := cfg.Sanitized()
	b.cfg.Store(&sanitized)
}

func (b *Breaker) config() Config {
	return *b.cfg.Load()
}

func (b *Breaker) entryFor(model fbtypes.ModelRef) *entry {
	e, _ := b.models.LoadOrStore(model.Key(), &entry{state: Closed})
	return e
}

// CanExecute reports whether model may currently be selected. OPEN blocks
// execution until openDurationMs has elapsed, at which point the model is
// implicitly demoted to HALF_OPEN and up to halfOpenMaxProbes concurrent
// probes are admitted.
func (b *Breaker) CanExecute(model fbtypes.ModelRef) bool {
	cfg := b.config()
	if !cfg.Enabled {
		return true
	}

	e := b.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true
	case HalfOpen:
		if e.probesInFlight < int32(cfg.HalfOpenMaxProbes) {
			e.probesInFlight++
			return true
		}
		return false
	case Open:
		if time.Since(e.openedAt) < cfg.OpenDuration {
			return false
		}
		e.state = HalfOpen
		e.probesInFlight = 1
		b.logger.Info("circuit demoted to half-open", "model", model.Key())
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure run. From HALF_OPEN it closes the
// circuit; from CLOSED it just resets the consecutive-failure counter.
func (b *Breaker) RecordSuccess(model fbtypes.ModelRef) {
	e := b.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	wasOpenProbe := e.state == HalfOpen
	e.state = Closed
	e.consecutiveFailures = 0
	if e.probesInFlight > 0 {
		e.probesInFlight--
	}
	if wasOpenProbe {
		b.logger.Info("circuit closed after successful probe", "model", model.Key())
	}
}

// RecordFailure applies a failure. isRateLimit lets the caller signal a
// rate-limit failure so CountRateLimitsAsFailures can exclude it from the
// threshold count (the cooldown map already isolates rate limits; this
// avoids double-penalizing a model that is merely busy, not broken).
func (b *Breaker) RecordFailure(model fbtypes.ModelRef, isRateLimit bool) {
	cfg := b.config()
	if !cfg.Enabled {
		return
	}
	if isRateLimit && !cfg.CountRateLimitsAsFailures {
		return
	}

	e := b.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == HalfOpen {
		if e.probesInFlight > 0 {
			e.probesInFlight--
		}
		e.state = Open
		e.openedAt = time.Now()
		b.logger.Warn("circuit re-opened after failed probe", "model", model.Key())
		return
	}

	e.consecutiveFailures++
	if e.consecutiveFailures >= cfg.FailureThreshold {
		e.state = Open
		e.openedAt = time.Now()
		b.logger.Warn("circuit opened", "model", model.Key(), "consecutive_failures", e.consecutiveFailures)
	}
}

// State returns the current state of model, defaulting to CLOSED for a
// model that has never recorded a failure.
func (b *Breaker) State(model fbtypes.ModelRef) State {
	e := b.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CleanupStaleEntries drops every CLOSED entry with no failure run, since a
// healthy model shouldn't pin memory forever; the ttl argument is not used,
// so such entries are dropped regardless of age. OPEN/HALF_OPEN entries are
// never swept — they carry live state the next CanExecute call needs.
func (b *Breaker) CleanupStaleEntries(time.Duration) {
	var stale []string
	b.models.Range(func(key string, e *entry) bool {
		e.mu.Lock()
		if e.state == Closed && e.consecutiveFailures == 0 {
			stale = append(stale, key)
		}
		e.mu.Unlock()
		return true
	})
	for _, key := range stale {
		b.models.Delete(key)
	}
}
