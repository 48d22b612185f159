// Package subagent maps subagent sessions to their root session so a
// fallback triggered deep in a hierarchy always retargets the root, and
// the chosen model/agent can be propagated back down (C8, P8).
package subagent

import (
	"sync"
	"time"

	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// FallbackState is the propagated outcome recorded against a subagent
// once the root session's fallback completes.
type FallbackState string

const (
	FallbackStateNone      FallbackState = ""
	FallbackStateCompleted FallbackState = "completed"
)

type node struct {
	mu sync.Mutex

	parent        fbtypes.SessionID // empty for a root, immutable after creation
	fallbackState FallbackState
	lastActivity  time.Time
}

// Tracker holds the subagent→root mapping and per-subagent fallback
// state for every hierarchy the host has reported.
type Tracker struct {
	nodes *concurrent.Map[fbtypes.SessionID, *node]
}

func New() *Tracker {
	return &Tracker{nodes: concurrent.NewMap[fbtypes.SessionID, *node]()}
}

// RegisterSubagent records that child is a subagent of parent, creating
// or extending the hierarchy parent belongs to.
func (t *Tracker) RegisterSubagent(child, parent fbtypes.SessionID) {
	if _, ok := t.nodes.Load(parent); !ok {
		t.nodes.Store(parent, &node{lastActivity: time.Now()})
	}
	t.nodes.Store(child, &node{parent: parent, lastActivity: time.Now()})
}

// GetRootSession walks the parent chain from any session in a hierarchy
// to its root. A session with no registered parent is its own root.
func (t *Tracker) GetRootSession(id fbtypes.SessionID) fbtypes.SessionID {
	current := id
	for i := 0; i < maxHierarchyDepth; i++ {
		n, ok := t.nodes.Load(current)
		if !ok || n.parent == "" {
			return current
		}
		current = n.parent
	}
	return current
}

// maxHierarchyDepth bounds the parent-chain walk so a corrupt cycle
// (which should never occur, since RegisterSubagent always points a
// child at an existing-or-fresh root) can't loop forever.
const maxHierarchyDepth = 64

// GetHierarchy returns every session sharing a root with id, including
// id itself and the root. Returns nil if id is untracked.
func (t *Tracker) GetHierarchy(id fbtypes.SessionID) []fbtypes.SessionID {
	if _, ok := t.nodes.Load(id); !ok {
		return nil
	}
	root := t.GetRootSession(id)
	hierarchy := []fbtypes.SessionID{root}
	t.nodes.Range(func(session fbtypes.SessionID, n *node) bool {
		if session == root {
			return true
		}
		if t.GetRootSession(session) == root {
			hierarchy = append(hierarchy, session)
		}
		return true
	})
	return hierarchy
}

// PropagateFallback marks every subagent in id's hierarchy as having
// completed fallback, per §4.11's "propagates downward to
// every subagent" requirement. id itself may be the root or any member.
func (t *Tracker) PropagateFallback(id fbtypes.SessionID) {
	root := t.GetRootSession(id)
	t.nodes.Range(func(session fbtypes.SessionID, n *node) bool {
		if session == root {
			return true
		}
		if t.GetRootSession(session) != root {
			return true
		}
		n.mu.Lock()
		n.fallbackState = FallbackStateCompleted
		n.lastActivity = time.Now()
		n.mu.Unlock()
		return true
	})
}

// FallbackState returns the recorded propagation state for a subagent.
func (t *Tracker) FallbackState(id fbtypes.SessionID) FallbackState {
	n, ok := t.nodes.Load(id)
	if !ok {
		return FallbackStateNone
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fallbackState
}

// CleanupStaleEntries drops hierarchy nodes whose lastActivity predates ttl.
func (t *Tracker) CleanupStaleEntries(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var stale []fbtypes.SessionID
	t.nodes.Range(func(session fbtypes.SessionID, n *node) bool {
		n.mu.Lock()
		last := n.lastActivity
		n.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, session)
		}
		return true
	})
	for _, session := range stale {
		t.nodes.Delete(session)
	}
}
