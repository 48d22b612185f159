package orchestrator

import (
	"context"
	"time"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// reprompt drives the §4.11 sub-protocol. It resolves whether an agent is
// tracked for target (fetching and caching it via the host if unknown),
// updates SessionModel[target] before the abort/promptAsync calls, and
// orders those calls accordingly. On success it propagates the new model
// to every subagent in target's hierarchy, if one exists.
func (c *Core) reprompt(ctx context.Context, target fbtypes.SessionID, parts []fbtypes.MessagePart, next fbtypes.ModelRef) error {
	agent := c.resolveAgent(ctx, target)

	c.sessions.SetSessionModel(target, next)
	if agent != "" {
		c.sessions.SetSessionAgent(target, agent)
	}

	var err error
	if agent == "" {
		err = c.repromptNoAgent(ctx, target, parts, next)
	} else {
		err = c.repromptWithAgent(ctx, target, parts, next, agent)
	}
	if err != nil {
		return err
	}

	c.propagateToHierarchy(target, next, agent)
	return nil
}

// resolveAgent returns the agent bound to target, consulting the cached
// SessionState first and falling back to the host adapter (caching the
// result) when no entry exists yet (§4.7).
func (c *Core) resolveAgent(ctx context.Context, target fbtypes.SessionID) string {
	if agent, ok := c.sessions.GetSessionAgent(target); ok {
		return agent
	}
	info, err := c.host.GetSession(ctx, target)
	if err != nil {
		c.logger.Debug("getSession failed while resolving agent, treating as untracked", "session", target, "error", err)
		return ""
	}
	if info.Agent != "" {
		c.sessions.SetSessionAgent(target, info.Agent)
	}
	return info.Agent
}

// repromptNoAgent queues the new prompt before aborting the failing
// request, so the host never sees the session go idle. Abort errors are
// swallowed at debug level; promptAsync errors propagate.
func (c *Core) repromptNoAgent(ctx context.Context, target fbtypes.SessionID, parts []fbtypes.MessagePart, next fbtypes.ModelRef) error {
	if err := c.host.SendPromptAsync(ctx, target, parts, next, ""); err != nil {
		return err
	}
	if err := c.host.AbortSession(ctx, target); err != nil {
		c.logger.Debug("abort failed after re-prompt, ignoring", "session", target, "error", err)
	}
	return nil
}

// repromptWithAgent cancels the retry loop first, waits for the abort to
// settle server-side, then re-sends with the explicit agent binding.
// Custom agents cannot accept a new prompt while in retry state, so the
// promptAsync-then-abort ordering used above would kill both requests.
func (c *Core) repromptWithAgent(ctx context.Context, target fbtypes.SessionID, parts []fbtypes.MessagePart, next fbtypes.ModelRef, agent string) error {
	if err := c.host.AbortSession(ctx, target); err != nil {
		c.logger.Debug("abort failed before re-prompt, ignoring", "session", target, "error", err)
	}

	select {
	case <-time.After(agentSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.host.SendPromptAsync(ctx, target, parts, next, agent)
}

// propagateToHierarchy pushes the chosen model (and agent, if any) down
// to every subagent sharing target's root, and marks each completed
// (P8). A no-op if target is not part of a tracked hierarchy.
func (c *Core) propagateToHierarchy(target fbtypes.SessionID, next fbtypes.ModelRef, agent string) {
	hierarchy := c.subagents.GetHierarchy(target)
	if len(hierarchy) == 0 {
		return
	}
	for _, member := range hierarchy {
		if member == target {
			continue
		}
		c.sessions.SetSessionModel(member, next)
		if agent != "" {
			c.sessions.SetSessionAgent(member, agent)
		}
	}
	c.subagents.PropagateFallback(target)
}
