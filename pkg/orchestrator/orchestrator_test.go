package orchestrator

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/cooldown"
	"github.com/opencode-ai/ratefallback/pkg/dedup"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbhost"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
	"github.com/opencode-ai/ratefallback/pkg/health"
	"github.com/opencode-ai/ratefallback/pkg/patternregistry"
	"github.com/opencode-ai/ratefallback/pkg/retrymanager"
	"github.com/opencode-ai/ratefallback/pkg/selector"
	"github.com/opencode-ai/ratefallback/pkg/sessionstate"
	"github.com/opencode-ai/ratefallback/pkg/subagent"
)

type call struct {
	name string
	at   time.Time
}

type fakeAdapter struct {
	mu        sync.Mutex
	calls     []call
	messages  []fbtypes.Message
	sessionInfo fbhost.SessionInfo
	abortErr  error
	promptErr error
}

func (f *fakeAdapter) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, at: time.Now()})
}

func (f *fakeAdapter) AbortSession(context.Context, fbtypes.SessionID) error {
	f.record("abort")
	return f.abortErr
}

func (f *fakeAdapter) SendPromptAsync(context.Context, fbtypes.SessionID, []fbtypes.MessagePart, fbtypes.ModelRef, string) error {
	f.record("promptAsync")
	return f.promptErr
}

func (f *fakeAdapter) ListMessages(context.Context, fbtypes.SessionID) ([]fbtypes.Message, error) {
	return f.messages, nil
}

func (f *fakeAdapter) GetSession(context.Context, fbtypes.SessionID) (fbhost.SessionInfo, error) {
	return f.sessionInfo, nil
}

func (f *fakeAdapter) ShowToast(fbhost.Toast) {}

func (f *fakeAdapter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.name
	}
	return names
}

var (
	modelA = fbtypes.ModelRef{ProviderID: "A", ModelID: "a"}
	modelB = fbtypes.ModelRef{ProviderID: "B", ModelID: "b"}
)

func userMsg(id fbtypes.MessageID) fbtypes.Message {
	return fbtypes.Message{
		Info:  fbtypes.MessageInfo{ID: id, Role: "user"},
		Parts: []fbtypes.MessagePart{{Type: fbtypes.PartText, Text: "hello"}},
	}
}

func newCore(t *testing.T, adapter *fakeAdapter) *Core {
	t.Helper()
	cfg := fbconfig.FallbackConfig{
		Models:     []fbtypes.ModelRef{modelA, modelB},
		Mode:       fbconfig.ModeCycle,
		CooldownMs: time.Minute,
		RetryPolicy: fbconfig.RetryPolicy{
			MaxRetries: 3, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second,
		},
	}
	cd := cooldown.New(time.Minute)
	cb := circuitbreaker.New(circuitbreaker.Config{}, nil)
	ht := health.New()
	sel := selector.New(cfg, cd, cb, ht, nil)
	rm := retrymanager.New(cfg.RetryPolicy, nil)
	ss := sessionstate.New(time.Hour)
	sa := subagent.New()
	gate := dedup.New(10*time.Second, 10*time.Second)
	pr := patternregistry.New()

	return New(cfg, Deps{
		Host:      adapter,
		Patterns:  pr,
		Cooldowns: cd,
		Breaker:   cb,
		Health:    ht,
		Selector:  sel,
		Retries:   rm,
		Sessions:  ss,
		Subagents: sa,
		Gate:      gate,
	})
}

func TestOrchestrator_NoAgent_PromptBeforeAbort_P7(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{messages: []fbtypes.Message{userMsg("m1")}}
	core := newCore(t, adapter)

	core.HandleRateLimitFallback(context.Background(), "s1", modelA)

	assert.Equal(t, []string{"promptAsync", "abort"}, adapter.names())
}

func TestOrchestrator_AgentTracked_AbortBeforePrompt_P7_S6(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		adapter := &fakeAdapter{messages: []fbtypes.Message{userMsg("m1")}}
		core := newCore(t, adapter)
		core.sessions.SetSessionAgent("s1", "plan")

		core.HandleRateLimitFallback(context.Background(), "s1", modelA)

		require.Len(t, adapter.calls, 2)
		assert.Equal(t, "abort", adapter.calls[0].name)
		assert.Equal(t, "promptAsync", adapter.calls[1].name)
		gap := adapter.calls[1].at.Sub(adapter.calls[0].at)
		assert.GreaterOrEqual(t, gap, 250*time.Millisecond)
	})
}

func TestOrchestrator_HappyPath_ClearsRetryStateOnSuccess(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{messages: []fbtypes.Message{userMsg("m1")}}
	core := newCore(t, adapter)

	core.HandleRateLimitFallback(context.Background(), "s1", modelA)

	mkey := fbtypes.SessionMessageKey{Session: "s1", Message: "m1"}
	assert.Equal(t, 0, core.retries.AttemptCount(mkey))

	model, ok := core.sessions.GetSessionModel("s1")
	require.True(t, ok)
	assert.Equal(t, modelB, model)
}

func TestOrchestrator_NoUserMessage_NoOp(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{messages: []fbtypes.Message{
		{Info: fbtypes.MessageInfo{ID: "m1", Role: "assistant"}},
	}}
	core := newCore(t, adapter)

	core.HandleRateLimitFallback(context.Background(), "s1", modelA)
	assert.Empty(t, adapter.names())
}

func TestOrchestrator_ConcurrentSessionsIsolated_P1(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{messages: []fbtypes.Message{userMsg("m1")}}
	core := newCore(t, adapter)

	var wg sync.WaitGroup
	for _, session := range []fbtypes.SessionID{"s1", "s2"} {
		wg.Add(1)
		go func(session fbtypes.SessionID) {
			defer wg.Done()
			core.HandleRateLimitFallback(context.Background(), session, modelA)
		}(session)
	}
	wg.Wait()

	m1, ok1 := core.sessions.GetSessionModel("s1")
	m2, ok2 := core.sessions.GetSessionModel("s2")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, modelB, m1)
	assert.Equal(t, modelB, m2)
}

func TestOrchestrator_SubagentFallback_PropagatesToHierarchy_P8(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{messages: []fbtypes.Message{userMsg("m1")}}
	core := newCore(t, adapter)
	core.subagents.RegisterSubagent("sub1", "root")
	core.subagents.RegisterSubagent("sub2", "root")

	core.HandleRateLimitFallback(context.Background(), "sub1", modelA)

	rootModel, ok := core.sessions.GetSessionModel("root")
	require.True(t, ok)
	sub2Model, ok := core.sessions.GetSessionModel("sub2")
	require.True(t, ok)
	assert.Equal(t, rootModel, sub2Model)
}

func TestOrchestrator_RepromptFailure_RecordsFailureNotSuccess(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		messages:  []fbtypes.Message{userMsg("m1")},
		promptErr: assertErr("boom"),
	}
	core := newCore(t, adapter)

	core.HandleRateLimitFallback(context.Background(), "s1", modelA)

	mkey := fbtypes.SessionMessageKey{Session: "s1", Message: "m1"}
	assert.Equal(t, 1, core.retries.AttemptCount(mkey), "attempt was recorded even though the re-prompt ultimately failed")

	stats := core.retries.Stats("s1")
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalFailures)
	assert.Equal(t, 0, stats.PerModel[modelB.Key()].Successes)
}

func TestOrchestrator_RepromptFailure_OpensCircuitBreaker(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		messages:  []fbtypes.Message{userMsg("m1")},
		promptErr: assertErr("boom"),
	}
	cfg := fbconfig.FallbackConfig{
		Models:     []fbtypes.ModelRef{modelA, modelB},
		Mode:       fbconfig.ModeCycle,
		CooldownMs: time.Minute,
		RetryPolicy: fbconfig.RetryPolicy{
			MaxRetries: 3, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second,
		},
	}
	cd := cooldown.New(time.Minute)
	cb := circuitbreaker.New(circuitbreaker.Config{Enabled: true, FailureThreshold: 1, OpenDuration: time.Minute}, nil)
	ht := health.New()
	sel := selector.New(cfg, cd, cb, ht, nil)
	rm := retrymanager.New(cfg.RetryPolicy, nil)
	ss := sessionstate.New(time.Hour)
	sa := subagent.New()
	gate := dedup.New(10*time.Second, 10*time.Second)
	pr := patternregistry.New()

	core := New(cfg, Deps{
		Host:      adapter,
		Patterns:  pr,
		Cooldowns: cd,
		Breaker:   cb,
		Health:    ht,
		Selector:  sel,
		Retries:   rm,
		Sessions:  ss,
		Subagents: sa,
		Gate:      gate,
	})

	core.HandleRateLimitFallback(context.Background(), "s1", modelA)

	assert.Equal(t, circuitbreaker.Open, cb.State(modelB), "a failed re-prompt against the fallback model should trip its breaker")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
