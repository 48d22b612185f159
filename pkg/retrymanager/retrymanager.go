// Package retrymanager tracks per-(session,message) retry attempts, backoff
// delay, and timeout (C6). The delay formulas and jitter handling are a
// direct generalization of the teacher's calculateBackoff
// (pkg/runtime/fallback.go) from one fixed exponential strategy into the
// full strategy set the spec requires (immediate/linear/exponential/
// polynomial/custom).
package retrymanager

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

type attemptState struct {
	mu              sync.Mutex
	attemptCount    int
	startTime       time.Time
	delays          []time.Duration
	modelIDs        []string
	lastAttemptTime time.Time
}

// PerModelStats accumulates per-model outcomes for a session.
type PerModelStats struct {
	Attempts  int
	Successes int
}

// SessionStats is the session-level retry summary §4.6 recordRetry updates.
type SessionStats struct {
	mu            sync.Mutex
	TotalRetries  int
	TotalFailures int
	totalDelay    time.Duration
	PerModel      map[string]*PerModelStats
}

// AverageDelay returns the mean delay recorded for this session so far.
func (s *SessionStats) AverageDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalRetries == 0 {
		return 0
	}
	return s.totalDelay / time.Duration(s.TotalRetries)
}

// Manager tracks retry state keyed by (session,message).
type Manager struct {
	cfg          atomic.Pointer[fbconfig.RetryPolicy]
	attempts     *concurrent.Map[fbtypes.SessionMessageKey, *attemptState]
	sessionStats *concurrent.Map[fbtypes.SessionID, *SessionStats]
	logger       *slog.Logger
}

func New(policy fbconfig.RetryPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		attempts:     concurrent.NewMap[fbtypes.SessionMessageKey, *attemptState](),
		sessionStats: concurrent.NewMap[fbtypes.SessionID, *SessionStats](),
		logger:       logger,
	}
	sanitized, warnings := policy.Sanitized()
	for _, w := range warnings {
		logger.Warn("retry policy corrected at construction", "detail", w)
	}
	m.cfg.Store(&sanitized)
	return m
}

// UpdateConfig atomically swaps the retry policy. In-flight RetryAttempt
// state is preserved across reload, per spec §6.
func (m *Manager) UpdateConfig(policy fbconfig.RetryPolicy) {
	sanitized, warnings := policy.Sanitized()
	for _, w := range warnings {
		m.logger.Warn("retry policy corrected on reload", "detail", w)
	}
	m.cfg.Store(&sanitized)
}

func (m *Manager) policy() fbconfig.RetryPolicy {
	return *m.cfg.Load()
}

func (m *Manager) stateFor(key fbtypes.SessionMessageKey) *attemptState {
	s, loaded := m.attempts.LoadOrStore(key, &attemptState{})
	if !loaded {
		s.mu.Lock()
		s.startTime = time.Now()
		s.mu.Unlock()
	}
	return s
}

// CanRetry reports whether another attempt is permitted for key: the
// attempt count must be under maxRetries, and if a timeout is configured,
// total elapsed wallclock since the first attempt must not exceed it.
func (m *Manager) CanRetry(key fbtypes.SessionMessageKey) bool {
	policy := m.policy()
	s := m.stateFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attemptCount >= policy.MaxRetries {
		return false
	}
	if policy.TimeoutMs > 0 && time.Since(s.startTime) > policy.TimeoutMs {
		return false
	}
	return true
}

// GetRetryDelay computes the delay before the next attempt, using key's
// current (0-based) attempt count as n.
func (m *Manager) GetRetryDelay(key fbtypes.SessionMessageKey) time.Duration {
	policy := m.policy()
	s := m.stateFor(key)

	s.mu.Lock()
	n := s.attemptCount
	s.mu.Unlock()

	return m.computeDelay(policy, n)
}

func (m *Manager) computeDelay(policy fbconfig.RetryPolicy, n int) time.Duration {
	var delay time.Duration

	switch policy.Strategy {
	case fbconfig.StrategyImmediate:
		delay = 0
	case fbconfig.StrategyLinear:
		delay = policy.BaseDelayMs * time.Duration(n+1)
	case fbconfig.StrategyExponential:
		delay = policy.BaseDelayMs * time.Duration(int64(math.Exp2(float64(min(n, 62)))))
	case fbconfig.StrategyPolynomial:
		base := policy.PolynomialBase
		if base <= 0 {
			base = 1.5
		}
		exp := policy.PolynomialExponent
		if exp <= 0 {
			exp = 2
		}
		factor := math.Pow(base, float64(n)*exp)
		delay = time.Duration(float64(policy.BaseDelayMs) * factor)
	case fbconfig.StrategyCustom:
		if policy.CustomFn == nil {
			delay = 0
			break
		}
		d, err := safeCustomDelay(policy.CustomFn, n)
		if err != nil {
			m.logger.Warn("custom retry delay function failed, degrading to immediate", "error", err)
			return 0
		}
		if d < 0 || d > policy.MaxDelayMs {
			m.logger.Warn("custom retry delay out of bounds, clamping", "delay", d, "max", policy.MaxDelayMs)
		}
		delay = clamp(d, 0, policy.MaxDelayMs)
		return applyJitter(delay, policy)
	default:
		delay = 0
	}

	delay = clamp(delay, 0, policy.MaxDelayMs)
	return applyJitter(delay, policy)
}

// safeCustomDelay isolates a caller-supplied function so a panic inside it
// degrades to an error instead of taking down the orchestrator — the spec
// calls this out explicitly ("a throwing ... function degrades to immediate").
func safeCustomDelay(fn fbconfig.CustomDelayFunc, n int) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = 0, panicErr{r}
		}
	}()
	return fn(n)
}

type panicErr struct{ v any }

func (p panicErr) Error() string { return "custom delay function panicked" }

func applyJitter(delay time.Duration, policy fbconfig.RetryPolicy) time.Duration {
	if !policy.JitterEnabled || delay <= 0 {
		return delay
	}
	spread := float64(delay) * policy.JitterFactor
	jitter := spread * (2*rand.Float64() - 1) //nolint:gosec // jitter does not need cryptographic randomness
	d := delay + time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

// RecordRetry increments the attempt counter, appends the delay/model used,
// and updates session-level stats.
func (m *Manager) RecordRetry(key fbtypes.SessionMessageKey, modelID string, delay time.Duration) {
	s := m.stateFor(key)

	s.mu.Lock()
	s.attemptCount++
	s.delays = append(s.delays, delay)
	s.modelIDs = append(s.modelIDs, modelID)
	s.lastAttemptTime = time.Now()
	s.mu.Unlock()

	stats, _ := m.sessionStats.LoadOrStore(key.Session, &SessionStats{PerModel: map[string]*PerModelStats{}})
	stats.mu.Lock()
	stats.TotalRetries++
	stats.totalDelay += delay
	ps, ok := stats.PerModel[modelID]
	if !ok {
		ps = &PerModelStats{}
		stats.PerModel[modelID] = ps
	}
	ps.Attempts++
	stats.mu.Unlock()

	m.logger.Debug("retry recorded", "session", key.Session, "message", key.Message, "model", modelID, "delay", delay)
}

// RecordSuccess marks a terminal success for modelID within session.
func (m *Manager) RecordSuccess(session fbtypes.SessionID, modelID string) {
	stats, ok := m.sessionStats.Load(session)
	if !ok {
		return
	}
	stats.mu.Lock()
	if ps, ok := stats.PerModel[modelID]; ok {
		ps.Successes++
	}
	stats.mu.Unlock()
}

// RecordFailure marks a terminal failure for session, incrementing its
// TotalFailures counter. Unlike RecordSuccess it creates the SessionStats
// entry if none exists yet, since a terminal failure can occur before any
// retry was ever recorded (e.g. listMessages failing outright).
func (m *Manager) RecordFailure(session fbtypes.SessionID) {
	stats, _ := m.sessionStats.LoadOrStore(session, &SessionStats{PerModel: map[string]*PerModelStats{}})
	stats.mu.Lock()
	stats.TotalFailures++
	stats.mu.Unlock()
}

// Reset clears retry state for key (I3: explicit terminal outcome or
// explicit reset are the only ways attemptCount goes back to zero).
func (m *Manager) Reset(key fbtypes.SessionMessageKey) {
	m.attempts.Delete(key)
}

// AttemptCount returns the current attempt count for key (P3 test hook).
func (m *Manager) AttemptCount(key fbtypes.SessionMessageKey) int {
	s := m.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptCount
}

// ModelIDs returns the ordered list of models attempted for key so far.
func (m *Manager) ModelIDs(key fbtypes.SessionMessageKey) []string {
	s := m.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modelIDs...)
}

// Stats returns the accumulated stats for session, or nil if none.
func (m *Manager) Stats(session fbtypes.SessionID) *SessionStats {
	s, _ := m.sessionStats.Load(session)
	return s
}

// CleanupStaleEntries drops attempt state whose lastAttemptTime/startTime
// predates ttl.
func (m *Manager) CleanupStaleEntries(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var stale []fbtypes.SessionMessageKey
	m.attempts.Range(func(key fbtypes.SessionMessageKey, s *attemptState) bool {
		s.mu.Lock()
		last := s.lastAttemptTime
		if last.IsZero() {
			last = s.startTime
		}
		s.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		m.attempts.Delete(key)
	}
}
