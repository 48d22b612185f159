// Package patternregistry classifies opaque host errors as rate-limit or
// not, via a priority-ordered table of literal/regex patterns (C1).
package patternregistry

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// ErrorPattern is one named, prioritized group of matchers. Provider is
// informational only (used for logging/metrics attribution); matching does
// not filter by provider.
type ErrorPattern struct {
	Name     string
	Provider string
	Patterns []Pattern
	Priority int
}

// Registry holds the mutable, priority-sorted pattern table. Reads
// (GetMatched) vastly outnumber writes (Register/Remove), so a single
// RWMutex is enough — no need for anything fancier.
type Registry struct {
	mu sync.RWMutex
	// byName preserves registration order for iteration/debugging; sorted
	// is the priority-descending view rebuilt on every mutation.
	byName *orderedmap.OrderedMap[string, ErrorPattern]
	sorted []ErrorPattern
	logger *slog.Logger
}

// Opt configures a Registry at construction.
type Opt func(*Registry)

// WithLogger overrides the registry's logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Opt {
	return func(r *Registry) { r.logger = l }
}

// New builds a Registry pre-populated with the default pattern table.
func New(opts ...Opt) *Registry {
	r := &Registry{
		byName: orderedmap.New[string, ErrorPattern](),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ResetToDefaults()
	return r
}

// Register adds or replaces (by Name) a single ErrorPattern and re-sorts.
func (r *Registry) Register(p ErrorPattern) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName.Set(p.Name, p)
	r.rebuildLocked()

	r.logger.Debug("pattern registered", "name", p.Name, "priority", p.Priority, "provider", p.Provider)
}

// RegisterMany registers each pattern in order; equivalent to calling
// Register in a loop but only re-sorts once.
func (r *Registry) RegisterMany(patterns []ErrorPattern) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range patterns {
		r.byName.Set(p.Name, p)
	}
	r.rebuildLocked()
}

// Remove deletes the named pattern, if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, present := r.byName.Delete(name); present {
		r.rebuildLocked()
		r.logger.Debug("pattern removed", "name", name)
	}
}

// ClearAll removes every registered pattern, including defaults.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName = orderedmap.New[string, ErrorPattern]()
	r.sorted = nil
}

// ResetToDefaults discards all custom patterns and reinstalls DefaultPatterns().
func (r *Registry) ResetToDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName = orderedmap.New[string, ErrorPattern]()
	for _, p := range DefaultPatterns() {
		r.byName.Set(p.Name, p)
	}
	r.rebuildLocked()
}

// rebuildLocked recomputes the priority-descending scan order. Caller must
// hold mu for writing.
func (r *Registry) rebuildLocked() {
	sorted := make([]ErrorPattern, 0, r.byName.Len())
	for pair := r.byName.Oldest(); pair != nil; pair = pair.Next() {
		sorted = append(sorted, pair.Value)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	r.sorted = sorted
}

// GetMatched scans the priority-ordered table and returns the first
// ErrorPattern whose patterns match ce, or nil if none match.
func (r *Registry) GetMatched(ce fbtypes.ErrorValue) *ErrorPattern {
	haystack := searchableText(ce)
	lower := strings.ToLower(haystack)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.sorted {
		ep := &r.sorted[i]
		for _, p := range ep.Patterns {
			if p.matches(lower, haystack) {
				return ep
			}
		}
	}
	return nil
}

// IsRateLimitError reports whether ce classifies as a rate-limit error.
func (r *Registry) IsRateLimitError(ce fbtypes.ErrorValue) bool {
	return r.GetMatched(ce) != nil
}

// searchableText concatenates every field the spec names as searchable:
// name, message, data.statusCode, data.message, data.responseBody.
func searchableText(ce fbtypes.ErrorValue) string {
	var b strings.Builder
	b.WriteString(ce.Name)
	b.WriteByte(' ')
	b.WriteString(ce.Message)
	if ce.Data != nil {
		b.WriteByte(' ')
		if ce.Data.StatusCode != 0 {
			b.WriteString(strconv.Itoa(ce.Data.StatusCode))
		}
		b.WriteByte(' ')
		b.WriteString(ce.Data.Message)
		b.WriteByte(' ')
		b.WriteString(ce.Data.ResponseBody)
	}
	return b.String()
}
