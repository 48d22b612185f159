// Package cooldown tracks which (provider,model) pairs are in cooldown
// after a rate-limit hit (C2). Entries expire lazily on read and are swept
// in the background by go-cache's own janitor, so Map.CleanupStaleEntries
// is a thin wrapper the Periodic Janitor can still call uniformly across
// every component store.
package cooldown

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// Map tracks cooldown stamps per model. The zero value is not usable; use New.
type Map struct {
	cache      *gocache.Cache
	cooldownMs time.Duration
}

// New builds a Map whose entries expire cooldown after they're marked.
// go-cache's own background sweep runs at the same cadence so a stale
// cooldown never outlives its own TTL by more than that interval.
func New(cooldown time.Duration) *Map {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Map{
		cache:      gocache.New(cooldown, cooldown),
		cooldownMs: cooldown,
	}
}

// MarkLimited stamps model as rate-limited now.
func (m *Map) MarkLimited(model fbtypes.ModelRef) {
	m.cache.Set(model.Key(), time.Now(), gocache.DefaultExpiration)
}

// IsLimited reports whether model is currently within its cooldown window.
// go-cache already expires entries past their TTL on Get, so a stale
// timestamp is never observed as "limited" even before the background
// sweep runs.
func (m *Map) IsLimited(model fbtypes.ModelRef) bool {
	_, found := m.cache.Get(model.Key())
	return found
}

// Clear removes model's cooldown stamp, if any.
func (m *Map) Clear(model fbtypes.ModelRef) {
	m.cache.Delete(model.Key())
}

// CleanupStaleEntries drops any entry already past expiration. go-cache
// handles this on its own schedule; this exists so the Periodic Janitor
// can call the same method name across every component store.
func (m *Map) CleanupStaleEntries(time.Duration) {
	m.cache.DeleteExpired()
}

// Len reports the number of non-expired cooldown entries.
func (m *Map) Len() int {
	return m.cache.ItemCount()
}
