// Package orchestrator implements the Fallback Orchestrator (C10): the
// top-level entry point that resolves a session, consults every other
// component, drives the abort+re-prompt sub-protocol, and keeps the
// guaranteed-release scope the spec's error-handling design demands —
// the orchestrator never propagates an error out of its event-handler
// entry point (§7).
package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/concurrent"
	"github.com/opencode-ai/ratefallback/pkg/cooldown"
	"github.com/opencode-ai/ratefallback/pkg/dedup"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbhost"
	"github.com/opencode-ai/ratefallback/pkg/fbmetrics"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
	"github.com/opencode-ai/ratefallback/pkg/health"
	"github.com/opencode-ai/ratefallback/pkg/patternregistry"
	"github.com/opencode-ai/ratefallback/pkg/retrymanager"
	"github.com/opencode-ai/ratefallback/pkg/selector"
	"github.com/opencode-ai/ratefallback/pkg/sessionstate"
	"github.com/opencode-ai/ratefallback/pkg/subagent"
)

// agentSettleDelay is the §4.11 wait after aborting a custom-agent
// session, before re-sending the prompt.
const agentSettleDelay = 300 * time.Millisecond

// Core composes every fallback-engine component and drives
// handleRateLimitFallback (§4.10). The zero value is not usable; build
// one with New.
type Core struct {
	cfg atomic.Pointer[fbconfig.FallbackConfig]

	host    fbhost.Adapter
	metrics fbmetrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	patterns  *patternregistry.Registry
	cooldowns *cooldown.Map
	breaker   *circuitbreaker.Breaker
	healthT   *health.Tracker
	selector  *selector.Selector
	retries   *retrymanager.Manager
	sessions  *sessionstate.Store
	subagents *subagent.Tracker
	gate      *dedup.Gate

	attempted *concurrent.Map[fbtypes.SessionMessageKey, selector.Attempted]
}

// Deps bundles the constructed components Core wires together. Every
// field is required except Metrics, Tracer and Logger, which default to
// a no-op sink, a no-op tracer and slog.Default respectively.
type Deps struct {
	Host      fbhost.Adapter
	Metrics   fbmetrics.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Patterns  *patternregistry.Registry
	Cooldowns *cooldown.Map
	Breaker   *circuitbreaker.Breaker
	Health    *health.Tracker
	Selector  *selector.Selector
	Retries   *retrymanager.Manager
	Sessions  *sessionstate.Store
	Subagents *subagent.Tracker
	Gate      *dedup.Gate
}

func New(cfg fbconfig.FallbackConfig, deps Deps) *Core {
	if deps.Metrics == nil {
		deps.Metrics = fbmetrics.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = trace.NewNoopTracerProvider().Tracer("fallback-orchestrator")
	}

	c := &Core{
		host:      deps.Host,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
		patterns:  deps.Patterns,
		cooldowns: deps.Cooldowns,
		breaker:   deps.Breaker,
		healthT:   deps.Health,
		selector:  deps.Selector,
		retries:   deps.Retries,
		sessions:  deps.Sessions,
		subagents: deps.Subagents,
		gate:      deps.Gate,
		attempted: concurrent.NewMap[fbtypes.SessionMessageKey, selector.Attempted](),
	}
	c.cfg.Store(&cfg)
	return c
}

func (c *Core) config() fbconfig.FallbackConfig {
	return *c.cfg.Load()
}

// UpdateConfig atomically swaps the FallbackConfig snapshot and forwards
// the new config to every component that reads it (§6 hot-reload
// contract). Cooldowns, CircuitState, and in-flight Retry state are
// deliberately left untouched.
func (c *Core) UpdateConfig(cfg fbconfig.FallbackConfig) {
	sanitized, warnings := cfg.Sanitized()
	for _, w := range warnings {
		c.logger.Warn("fallback config corrected on reload", "detail", w)
	}
	c.cfg.Store(&sanitized)
	c.selector.UpdateConfig(sanitized)
	c.retries.UpdateConfig(sanitized.RetryPolicy)
	c.breaker.UpdateConfig(sanitized.CircuitBreaker)
}

func (c *Core) attemptedSetFor(key fbtypes.SessionMessageKey) selector.Attempted {
	set, _ := c.attempted.LoadOrStore(key, selector.Attempted{})
	return set
}

// HandleRateLimitFallback is the orchestrator's entry point (§4.10).
// sessionID is the session the rate limit was observed on; current may
// be the zero ModelRef if the caller does not know the current model.
func (c *Core) HandleRateLimitFallback(ctx context.Context, sessionID fbtypes.SessionID, current fbtypes.ModelRef) {
	ctx, span := c.tracer.Start(ctx, "fallback.handleRateLimitFallback")
	defer span.End()

	target := c.subagents.GetRootSession(sessionID)

	if !c.gate.AcquireSessionLock(target) {
		c.logger.Debug("fallback already in progress for session, skipping", "session", target)
		return
	}
	defer c.gate.ReleaseSessionLock(target)

	c.run(ctx, target, current)
}

func (c *Core) run(ctx context.Context, target fbtypes.SessionID, current fbtypes.ModelRef) {
	if current.IsZero() {
		if m, ok := c.sessions.GetSessionModel(target); ok {
			current = m
		}
	}

	if !current.IsZero() {
		c.metrics.RecordRateLimitDetected(ctx, current)
		c.healthT.RecordFailure(current)
	}
	c.toast(fbhost.Toast{Title: "Rate limit detected", Message: current.Key(), Variant: fbhost.ToastWarning})

	messages, err := c.host.ListMessages(ctx, target)
	if err != nil {
		c.logger.Warn("listMessages failed, aborting fallback", "session", target, "error", err)
		c.retries.RecordFailure(target)
		return
	}
	userMessage, ok := lastUserMessage(messages)
	if !ok {
		c.logger.Debug("no user message found, nothing to re-prompt", "session", target)
		return
	}

	mkey := fbtypes.SessionMessageKey{Session: target, Message: userMessage.Info.ID}
	if !c.gate.TryMarkFallbackInProgress(mkey) {
		c.logger.Debug("fallback already in progress for message, skipping", "message", mkey)
		return
	}

	if !c.retries.CanRetry(mkey) {
		c.toast(fbhost.Toast{Title: "Fallback exhausted", Message: "no more retries available", Variant: fbhost.ToastError})
		c.clearState(mkey)
		c.metrics.RecordFallbackExhausted(ctx, target)
		return
	}

	delay := c.retries.GetRetryDelay(mkey)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	attempted := c.attemptedSetFor(mkey)
	next := c.selector.SelectFallbackModel(current, attempted)
	if next == nil {
		c.toast(fbhost.Toast{Title: "No fallback available", Message: string(c.config().Mode), Variant: fbhost.ToastError})
		c.clearState(mkey)
		c.metrics.RecordFallbackExhausted(ctx, target)
		return
	}
	attempted.Add(*next)

	c.retries.RecordRetry(mkey, next.Key(), delay)
	c.metrics.RecordFallbackAttempt(ctx, current, *next)
	c.toast(fbhost.Toast{Title: "Retrying with fallback model", Message: next.Key(), Variant: fbhost.ToastInfo})

	start := time.Now()
	beforeState := c.breaker.State(*next)
	if err := c.reprompt(ctx, target, userMessage.Parts, *next); err != nil {
		c.logger.Warn("re-prompt failed", "session", target, "model", next.Key(), "error", err)
		c.retries.RecordFailure(target)
		c.breaker.RecordFailure(*next, false)
		c.reportBreakerTransition(ctx, *next, beforeState)
		return
	}

	c.retries.RecordSuccess(target, next.Key())
	c.healthT.RecordSuccess(*next, float64(time.Since(start).Milliseconds()))
	c.breaker.RecordSuccess(*next)
	c.reportBreakerTransition(ctx, *next, beforeState)
	c.retries.Reset(mkey)
	c.attempted.Delete(mkey)
	c.metrics.RecordFallbackSuccess(ctx, *next)
	c.toast(fbhost.Toast{Title: "Fallback successful", Message: next.Key(), Variant: fbhost.ToastSuccess})
}

// clearState resets retry and dedup state for mkey, used on every
// terminal non-success outcome (exhaustion, no candidate).
func (c *Core) clearState(mkey fbtypes.SessionMessageKey) {
	c.retries.Reset(mkey)
	c.gate.ClearFallbackInProgress(mkey)
	c.attempted.Delete(mkey)
}

func (c *Core) toast(t fbhost.Toast) {
	c.host.ShowToast(t)
}

// reportBreakerTransition emits RecordCircuitStateChange iff model's
// breaker state actually changed from before, so the metric reflects
// transitions rather than firing on every re-prompt outcome.
func (c *Core) reportBreakerTransition(ctx context.Context, model fbtypes.ModelRef, before circuitbreaker.State) {
	after := c.breaker.State(model)
	if after != before {
		c.metrics.RecordCircuitStateChange(ctx, model, after.String())
	}
}

func lastUserMessage(messages []fbtypes.Message) (fbtypes.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role == "user" {
			return messages[i], true
		}
	}
	return fbtypes.Message{}, false
}
