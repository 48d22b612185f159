// Package selector picks the next fallback ModelRef for a session (C5),
// generalizing the teacher's model_switcher.go candidate-walk into the
// full cycle/stop/retry-last mode matrix the spec requires, and layering
// in the health-score and dynamic-prioritization tie-breaks ahead of the
// plain forward scan.
package selector

import (
	"log/slog"
	"sync/atomic"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/cooldown"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
	"github.com/opencode-ai/ratefallback/pkg/health"
)

// Attempted is the set of models already tried for one (session,message)
// during its lifetime, keyed by ModelRef.Key().
type Attempted map[string]struct{}

// Add records model as attempted.
func (a Attempted) Add(model fbtypes.ModelRef) { a[model.Key()] = struct{}{} }

// Has reports whether model has already been attempted.
func (a Attempted) Has(model fbtypes.ModelRef) bool {
	_, ok := a[model.Key()]
	return ok
}

// Selector chooses the next fallback model given the configured model
// list, cooldown state, and circuit state.
type Selector struct {
	cfg      atomic.Pointer[fbconfig.FallbackConfig]
	cooldown *cooldown.Map
	breaker  *circuitbreaker.Breaker
	health   *health.Tracker
	logger   *slog.Logger
}

func New(cfg fbconfig.FallbackConfig, cd *cooldown.Map, cb *circuitbreaker.Breaker, ht *health.Tracker, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{cooldown: cd, breaker: cb, health: ht, logger: logger}
	s.cfg.Store(&cfg)
	return s
}

// UpdateConfig atomically swaps the FallbackConfig snapshot the selector
// reads its model list and mode from.
func (s *Selector) UpdateConfig(cfg fbconfig.FallbackConfig) {
	s.cfg.Store(&cfg)
}

func (s *Selector) config() fbconfig.FallbackConfig {
	return *s.cfg.Load()
}

// available reports whether model is currently selectable: not cooling
// down, not circuit-open, and not already attempted (I1, P5).
func (s *Selector) available(model fbtypes.ModelRef, attempted Attempted) bool {
	if s.cooldown != nil && s.cooldown.IsLimited(model) {
		return false
	}
	if s.breaker != nil && s.breaker.State(model) == circuitbreaker.Open {
		return false
	}
	if attempted.Has(model) {
		return false
	}
	return true
}

// SelectFallbackModel implements the §4.5 algorithm. current may be the
// zero ModelRef if no current model is tracked. attempted is mutated in
// place to record current and, on a cycle restart, to be cleared down to
// just current.
func (s *Selector) SelectFallbackModel(current fbtypes.ModelRef, attempted Attempted) *fbtypes.ModelRef {
	cfg := s.config()

	if !current.IsZero() {
		if s.cooldown != nil {
			s.cooldown.MarkLimited(current)
		}
		attempted.Add(current)
	}

	if chosen := s.pickCandidate(cfg, current, attempted); chosen != nil {
		return chosen
	}

	if len(attempted) == 0 {
		return nil
	}

	switch cfg.Mode {
	case fbconfig.ModeStop:
		return nil
	case fbconfig.ModeRetryLast:
		if last := lastConfigured(cfg.Models); last != nil && !last.IsZero() {
			lastUnavailable := !current.IsZero() && last.Key() == current.Key()
			if !lastUnavailable && s.isCircuitOrCooldownBlocked(*last) {
				lastUnavailable = true
			}
			if !lastUnavailable {
				s.logger.Info("retry-last: emitting last-resort candidate", "model", last.Key())
				return last
			}
		}
		return s.cycleRestart(cfg, current, attempted)
	case fbconfig.ModeCycle:
		return s.cycleRestart(cfg, current, attempted)
	default:
		return s.cycleRestart(cfg, current, attempted)
	}
}

func (s *Selector) isCircuitOrCooldownBlocked(model fbtypes.ModelRef) bool {
	if s.cooldown != nil && s.cooldown.IsLimited(model) {
		return true
	}
	if s.breaker != nil && s.breaker.State(model) == circuitbreaker.Open {
		return true
	}
	return false
}

// cycleRestart clears attempted down to just current and retries the
// search from index 0, per the cycle-mode exhaustion rule.
func (s *Selector) cycleRestart(cfg fbconfig.FallbackConfig, current fbtypes.ModelRef, attempted Attempted) *fbtypes.ModelRef {
	clear(attempted)
	if !current.IsZero() {
		attempted.Add(current)
	}
	// A zero ModelRef makes the forward scan start at index 0.
	return s.pickCandidate(cfg, fbtypes.ModelRef{}, attempted)
}

// pickCandidate runs step 3 of §4.5: dynamic prioritization, else health
// score, else a plain forward scan starting one past current's index.
func (s *Selector) pickCandidate(cfg fbconfig.FallbackConfig, current fbtypes.ModelRef, attempted Attempted) *fbtypes.ModelRef {
	candidates := make([]fbtypes.ModelRef, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		if s.available(m, attempted) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	if cfg.DynamicPrioritization != nil && cfg.DynamicPrioritization.Enabled && cfg.DynamicPrioritization.Prioritizer != nil {
		reordered := cfg.DynamicPrioritization.Prioritizer.Reorder(candidates)
		if len(reordered) > 0 {
			return &reordered[0]
		}
		return nil
	}

	if cfg.HealthSelectionEnabled && s.health != nil {
		sorted := s.health.GetHealthiestModels(candidates)
		if len(sorted) > 0 {
			return &sorted[0]
		}
		return nil
	}

	return s.forwardScan(cfg.Models, current, attempted)
}

// forwardScan walks models starting one past current's index, wrapping
// to the start, returning the first available entry.
func (s *Selector) forwardScan(models []fbtypes.ModelRef, current fbtypes.ModelRef, attempted Attempted) *fbtypes.ModelRef {
	if len(models) == 0 {
		return nil
	}
	start := 0
	if idx := indexOf(models, current); idx >= 0 {
		start = idx + 1
	}
	for i := range models {
		candidate := models[(start+i)%len(models)]
		if s.available(candidate, attempted) {
			return &candidate
		}
	}
	return nil
}

func indexOf(models []fbtypes.ModelRef, target fbtypes.ModelRef) int {
	if target.IsZero() {
		return -1
	}
	for i, m := range models {
		if m.Key() == target.Key() {
			return i
		}
	}
	return -1
}

func lastConfigured(models []fbtypes.ModelRef) *fbtypes.ModelRef {
	if len(models) == 0 {
		return nil
	}
	return &models[len(models)-1]
}
