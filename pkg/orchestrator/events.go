package orchestrator

import (
	"context"

	"github.com/opencode-ai/ratefallback/pkg/fbhost"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// HandleEvent is the host-facing event entry point (§2 control flow):
// classify the event via the Pattern Registry, acquire the event-level
// dedup lock, and trigger HandleRateLimitFallback when the event
// represents a rate limit. An assistant message.updated event also records
// its model as the session's current model. Never returns an error — per
// §7 the orchestrator never propagates out of an event-handler entry point.
func (c *Core) HandleEvent(ctx context.Context, ev fbhost.Event) {
	if sub, ok := ev.AsSubagentCreated(); ok {
		c.subagents.RegisterSubagent(sub.SessionID, sub.ParentSessionID)
		return
	}

	if mu, ok := ev.AsMessageUpdated(); ok && mu.Info.Role == "assistant" {
		if m := (fbtypes.ModelRef{ProviderID: mu.Info.ProviderID, ModelID: mu.Info.ModelID}); !m.IsZero() {
			c.sessions.SetSessionModel(mu.Info.SessionID, m)
		}
	}

	session, current, isRateLimit := c.classify(ev)
	if !isRateLimit {
		return
	}

	if !c.gate.AcquireEventLock(session) {
		c.logger.Debug("event lock already held, same failure already being processed", "session", session)
		return
	}
	defer c.gate.ReleaseEventLock(session)

	c.HandleRateLimitFallback(ctx, session, current)
}

// classify extracts the session and (if known) the model a session.error
// or message.updated event concerns, and reports whether the Pattern
// Registry (or, for session.status, the §6 phrase match) recognizes it
// as a rate limit.
func (c *Core) classify(ev fbhost.Event) (session fbtypes.SessionID, current fbtypes.ModelRef, isRateLimit bool) {
	if e, ok := ev.AsSessionError(); ok {
		return e.SessionID, fbtypes.ModelRef{}, c.patterns.IsRateLimitError(e.Error)
	}

	if e, ok := ev.AsMessageUpdated(); ok {
		current := fbtypes.ModelRef{ProviderID: e.Info.ProviderID, ModelID: e.Info.ModelID}
		if e.Info.Error == nil {
			return e.Info.SessionID, current, false
		}
		return e.Info.SessionID, current, c.patterns.IsRateLimitError(*e.Info.Error)
	}

	if e, ok := ev.AsSessionStatus(); ok {
		return e.SessionID, fbtypes.ModelRef{}, e.IsRateLimitRetry()
	}

	return "", fbtypes.ModelRef{}, false
}
