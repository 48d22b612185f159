// Package dedup implements the three-level gate of §4.9: EventLock (per
// session), FallbackInProgress (per session+message), and SessionLock
// (boolean set). All three are acquired event-lock → session-lock →
// dedup-mark and released on terminal success, terminal failure, or
// TTL, giving P1 (isolation) and P2 (at-most-once-in-window).
package dedup

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

const (
	defaultEventLockTTL = 10 * time.Second
	defaultDedupWindow  = 10 * time.Second
)

// Gate owns all three dedup/lock mechanisms used by one orchestrator.
type Gate struct {
	eventLocks  *gocache.Cache
	fallbackInProgress *gocache.Cache
	sessionLocks *concurrent.Map[fbtypes.SessionID, struct{}]
}

func New(eventLockTTL, dedupWindow time.Duration) *Gate {
	if eventLockTTL <= 0 {
		eventLockTTL = defaultEventLockTTL
	}
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &Gate{
		eventLocks:         gocache.New(eventLockTTL, eventLockTTL),
		fallbackInProgress: gocache.New(dedupWindow, dedupWindow),
		sessionLocks:       concurrent.NewMap[fbtypes.SessionID, struct{}](),
	}
}

// AcquireEventLock reports whether the event-handler-entry lock for
// session was free and is now held. A held lock means the same logical
// failure is already being processed through another event channel.
func (g *Gate) AcquireEventLock(session fbtypes.SessionID) bool {
	return g.eventLocks.Add(string(session), struct{}{}, gocache.DefaultExpiration) == nil
}

// ReleaseEventLock clears the event lock for session.
func (g *Gate) ReleaseEventLock(session fbtypes.SessionID) {
	g.eventLocks.Delete(string(session))
}

// AcquireSessionLock reports whether target's lock was free and is now
// held by this orchestration. One fallback at a time per root session.
func (g *Gate) AcquireSessionLock(target fbtypes.SessionID) bool {
	_, loaded := g.sessionLocks.LoadOrStore(target, struct{}{})
	return !loaded
}

// ReleaseSessionLock frees target's session lock.
func (g *Gate) ReleaseSessionLock(target fbtypes.SessionID) {
	g.sessionLocks.Delete(target)
}

// TryMarkFallbackInProgress reports whether mkey had no live dedup mark
// and now has one. A second orchestration for the same message inside
// the dedup window is rejected.
func (g *Gate) TryMarkFallbackInProgress(mkey fbtypes.SessionMessageKey) bool {
	return g.fallbackInProgress.Add(mkey.String(), time.Now(), gocache.DefaultExpiration) == nil
}

// ClearFallbackInProgress removes mkey's dedup mark, e.g. once an
// orchestration reaches a terminal outcome.
func (g *Gate) ClearFallbackInProgress(mkey fbtypes.SessionMessageKey) {
	g.fallbackInProgress.Delete(mkey.String())
}

// CleanupStaleEntries drops TTL-expired event locks and dedup marks.
// SessionLock entries are never swept here — they are released
// explicitly by the orchestration that holds them, not by TTL.
func (g *Gate) CleanupStaleEntries(time.Duration) {
	g.eventLocks.DeleteExpired()
	g.fallbackInProgress.DeleteExpired()
}
