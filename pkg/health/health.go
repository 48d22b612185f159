// Package health keeps a success-rate/latency score per model (C4).
// The success rate is computed from cumulative success and failure counts,
// which are not windowed: they reset only when CleanupStaleEntries drops
// the model's entry. Only latency uses a rolling window of the most recent
// samples.
// It intentionally overlaps with circuitbreaker in spirit — both track
// "model badness" — but on a different horizon: the circuit breaker is
// immediate isolation on consecutive hard failures, health is a slower
// preference the Selector consults when health selection is enabled.
package health

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kofalt/go-memoize"

	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

const (
	defaultWindowSize = 50
	// successWeight blends success rate and latency into one scalar score;
	// success rate dominates because a fast model that fails constantly is
	// worse than a slow one that works.
	successWeight = 0.7
	latencyWeight = 1 - successWeight
)

type entry struct {
	mu          sync.Mutex
	successes   int
	failures    int
	latencies   []float64 // ring buffer, most recent windowSize samples
	lastUpdated time.Time
}

// Tracker holds per-model rolling health state.
type Tracker struct {
	models     *concurrent.Map[string, *entry]
	windowSize int
	memo       *memoize.Memoizer
	logger     *slog.Logger
}

// Opt configures a Tracker at construction.
type Opt func(*Tracker)

func WithWindowSize(n int) Opt {
	return func(t *Tracker) {
		if n > 0 {
			t.windowSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(t *Tracker) { t.logger = l }
}

func New(opts ...Opt) *Tracker {
	t := &Tracker{
		models:     concurrent.NewMap[string, *entry](),
		windowSize: defaultWindowSize,
		logger:     slog.Default(),
		// getHealthiestModels is on the Selector's hot path for every
		// fallback decision; memoize the sort for a short window so a
		// burst of selections against an unchanged candidate set doesn't
		// re-sort on every call.
		memo: memoize.NewMemoizer(200*time.Millisecond, time.Minute),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entryFor(model fbtypes.ModelRef) *entry {
	e, _ := t.models.LoadOrStore(model.Key(), &entry{})
	return e
}

// RecordSuccess records a successful call and its response time.
func (t *Tracker) RecordSuccess(model fbtypes.ModelRef, responseTimeMs float64) {
	e := t.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.successes++
	e.latencies = append(e.latencies, responseTimeMs)
	if len(e.latencies) > t.windowSize {
		e.latencies = e.latencies[len(e.latencies)-t.windowSize:]
	}
	e.lastUpdated = time.Now()
}

// RecordFailure records a failed call.
func (t *Tracker) RecordFailure(model fbtypes.ModelRef) {
	e := t.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastUpdated = time.Now()
}

// GetScore returns a blended [0,1]-ish score: weighted success rate plus a
// latency term that decays toward 0 as average latency grows. A model with
// no samples yet scores 0.5 (neutral) so it isn't penalized before the
// first call completes.
func (t *Tracker) GetScore(model fbtypes.ModelRef) float64 {
	e := t.entryFor(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return scoreLocked(e)
}

func scoreLocked(e *entry) float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 0.5
	}

	successRate := float64(e.successes) / float64(total)

	latencyScore := 0.5
	if len(e.latencies) > 0 {
		var sum float64
		for _, l := range e.latencies {
			sum += l
		}
		avg := sum / float64(len(e.latencies))
		// 0ms -> 1.0, 1000ms -> 0.5, asymptotic toward 0 as latency grows.
		latencyScore = 1000 / (1000 + avg)
	}

	return successWeight*successRate + latencyWeight*latencyScore
}

// GetHealthiestModels returns candidates sorted by descending health score
// (stable on ties, preserving caller order).
func (t *Tracker) GetHealthiestModels(candidates []fbtypes.ModelRef) []fbtypes.ModelRef {
	if len(candidates) <= 1 {
		return candidates
	}

	key := memoKey(candidates)
	result, err, _ := t.memo.Memoize(key, func() (any, error) {
		sorted := make([]fbtypes.ModelRef, len(candidates))
		copy(sorted, candidates)
		scores := make(map[string]float64, len(sorted))
		for _, m := range sorted {
			scores[m.Key()] = t.GetScore(m)
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			return scores[sorted[i].Key()] > scores[sorted[j].Key()]
		})
		return sorted, nil
	})
	if err != nil {
		t.logger.Warn("health score memoization failed, falling back to unsorted candidates", "error", err)
		return candidates
	}
	return result.([]fbtypes.ModelRef)
}

func memoKey(candidates []fbtypes.ModelRef) string {
	parts := make([]string, len(candidates))
	for i, m := range candidates {
		parts[i] = m.Key()
	}
	return strings.Join(parts, ",")
}

// CleanupStaleEntries drops per-model state that hasn't been touched in ttl.
func (t *Tracker) CleanupStaleEntries(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var stale []string
	t.models.Range(func(key string, e *entry) bool {
		e.mu.Lock()
		if e.lastUpdated.Before(cutoff) {
			stale = append(stale, key)
		}
		e.mu.Unlock()
		return true
	})
	for _, key := range stale {
		t.models.Delete(key)
	}
}
