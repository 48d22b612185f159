// Package sessionstate holds two parallel per-session maps (C7): the
// model currently bound to a session, and the agent (if any) the host
// has tracked for it. Both are stamped with lastUpdated and pruned by
// the Janitor, following the same patrickmn/go-cache TTL pattern as
// pkg/cooldown rather than a hand-rolled stamp+compare map.
package sessionstate

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// defaultEntryTTL backs SESSION_ENTRY_TTL_MS when the caller does not
// override it via New.
const defaultEntryTTL = 24 * time.Hour

// Store tracks SessionModel and SessionAgent (§3) for every active
// session, each entry implicitly stamped with lastUpdated by go-cache.
type Store struct {
	models *gocache.Cache
	agents *gocache.Cache
}

func New(entryTTL time.Duration) *Store {
	if entryTTL <= 0 {
		entryTTL = defaultEntryTTL
	}
	return &Store{
		models: gocache.New(entryTTL, entryTTL),
		agents: gocache.New(entryTTL, entryTTL),
	}
}

// SetSessionModel records model as the current model bound to session,
// called on every assistant message.
func (s *Store) SetSessionModel(session fbtypes.SessionID, model fbtypes.ModelRef) {
	s.models.Set(string(session), model, gocache.DefaultExpiration)
}

// GetSessionModel returns the current model for session, or false if none.
func (s *Store) GetSessionModel(session fbtypes.SessionID) (fbtypes.ModelRef, bool) {
	v, ok := s.models.Get(string(session))
	if !ok {
		return fbtypes.ModelRef{}, false
	}
	return v.(fbtypes.ModelRef), true
}

// SetSessionAgent records agent as the current agent binding for session.
func (s *Store) SetSessionAgent(session fbtypes.SessionID, agent string) {
	s.agents.Set(string(session), agent, gocache.DefaultExpiration)
}

// GetSessionAgent returns the current agent for session, or false if none.
func (s *Store) GetSessionAgent(session fbtypes.SessionID) (string, bool) {
	v, ok := s.agents.Get(string(session))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// CleanupStaleEntries drops TTL-expired entries from both maps. go-cache
// already expires entries lazily on Get; this also runs the background
// sweep the Janitor is responsible for driving.
func (s *Store) CleanupStaleEntries(time.Duration) {
	s.models.DeleteExpired()
	s.agents.DeleteExpired()
}
