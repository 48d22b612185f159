package retrymanager

import (
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

var key = fbtypes.SessionMessageKey{Session: "s1", Message: "m1"}

func TestRetryManager_ExponentialBackoffWithCap_S5(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 10, Strategy: fbconfig.StrategyExponential,
		BaseDelayMs: time.Second, MaxDelayMs: 10 * time.Second,
	}
	m := New(policy, nil)

	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}
	for n, want := range expected {
		got := m.computeDelay(m.policy(), n)
		assert.Equal(t, want, got, "n=%d", n)
	}
}

func TestRetryManager_LinearBackoff(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{MaxRetries: 5, Strategy: fbconfig.StrategyLinear, BaseDelayMs: 100 * time.Millisecond, MaxDelayMs: time.Second}
	m := New(policy, nil)

	assert.Equal(t, 100*time.Millisecond, m.computeDelay(m.policy(), 0))
	assert.Equal(t, 200*time.Millisecond, m.computeDelay(m.policy(), 1))
	assert.Equal(t, 300*time.Millisecond, m.computeDelay(m.policy(), 2))
}

func TestRetryManager_ImmediateIsZero(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 3, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second}, nil)
	assert.Equal(t, time.Duration(0), m.computeDelay(m.policy(), 5))
}

func TestRetryManager_PolynomialDefaults(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 5, Strategy: fbconfig.StrategyPolynomial, BaseDelayMs: 100 * time.Millisecond, MaxDelayMs: 10 * time.Second}, nil)
	// base=1.5, exponent=2 by default -> delay = 100ms * 1.5^(n*2)
	d0 := m.computeDelay(m.policy(), 0)
	d1 := m.computeDelay(m.policy(), 1)
	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Greater(t, d1, d0)
}

func TestRetryManager_CustomStrategy(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 5, Strategy: fbconfig.StrategyCustom, MaxDelayMs: time.Second,
		CustomFn: func(n int) (time.Duration, error) { return time.Duration(n) * 50 * time.Millisecond, nil },
	}
	m := New(policy, nil)
	assert.Equal(t, 150*time.Millisecond, m.computeDelay(m.policy(), 3))
}

func TestRetryManager_CustomStrategyErrorClampsToImmediate(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 5, Strategy: fbconfig.StrategyCustom, MaxDelayMs: time.Second,
		CustomFn: func(int) (time.Duration, error) { return 0, errors.New("boom") },
	}
	m := New(policy, nil)
	assert.Equal(t, time.Duration(0), m.computeDelay(m.policy(), 0))
}

func TestRetryManager_CustomStrategyPanicDegradesToImmediate(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 5, Strategy: fbconfig.StrategyCustom, MaxDelayMs: time.Second,
		CustomFn: func(int) (time.Duration, error) { panic("nope") },
	}
	m := New(policy, nil)
	assert.Equal(t, time.Duration(0), m.computeDelay(m.policy(), 0))
}

func TestRetryManager_CustomStrategyOverLimitClamped(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 5, Strategy: fbconfig.StrategyCustom, MaxDelayMs: time.Second,
		CustomFn: func(int) (time.Duration, error) { return time.Hour, nil },
	}
	m := New(policy, nil)
	assert.Equal(t, time.Second, m.computeDelay(m.policy(), 0))
}

func TestRetryManager_JitterBounds_P6(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{
		MaxRetries: 5, Strategy: fbconfig.StrategyExponential,
		BaseDelayMs: time.Second, MaxDelayMs: 10 * time.Second,
		JitterEnabled: true, JitterFactor: 0.2,
	}
	m := New(policy, nil)

	for range 50 {
		d := m.computeDelay(m.policy(), 10) // clamps to maxDelayMs before jitter
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.2))
	}
}

func TestRetryManager_CanRetry_MaxRetries_P3(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 2, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second}, nil)

	assert.True(t, m.CanRetry(key))
	m.RecordRetry(key, "a", 0)
	assert.True(t, m.CanRetry(key))
	m.RecordRetry(key, "b", 0)
	assert.False(t, m.CanRetry(key))
	assert.Equal(t, 2, m.AttemptCount(key))
}

func TestRetryManager_CanRetry_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := New(fbconfig.RetryPolicy{MaxRetries: 100, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second, TimeoutMs: time.Second}, nil)

		require.True(t, m.CanRetry(key))
		time.Sleep(2 * time.Second)
		assert.False(t, m.CanRetry(key), "canRetry false once timeoutMs elapsed regardless of remaining attempts")
	})
}

func TestRetryManager_RecordRetry_TracksModelOrderAndStats(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 5, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second}, nil)

	m.RecordRetry(key, "model-a", 10*time.Millisecond)
	m.RecordRetry(key, "model-b", 20*time.Millisecond)

	assert.Equal(t, []string{"model-a", "model-b"}, m.ModelIDs(key))

	stats := m.Stats(key.Session)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.TotalRetries)
	assert.Equal(t, 15*time.Millisecond, stats.AverageDelay())
}

func TestRetryManager_RecordFailure_IncrementsSessionCounter(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 5, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second}, nil)

	m.RecordFailure(key.Session)
	m.RecordFailure(key.Session)

	stats := m.Stats(key.Session)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.TotalFailures)
}

func TestRetryManager_Reset(t *testing.T) {
	t.Parallel()

	m := New(fbconfig.RetryPolicy{MaxRetries: 1, Strategy: fbconfig.StrategyImmediate, MaxDelayMs: time.Second}, nil)
	m.RecordRetry(key, "a", 0)
	assert.False(t, m.CanRetry(key))

	m.Reset(key)
	assert.True(t, m.CanRetry(key))
	assert.Equal(t, 0, m.AttemptCount(key))
}

func TestRetryManager_ConfigValidation_BaseGreaterThanMaxSwaps(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{MaxRetries: 3, Strategy: fbconfig.StrategyLinear, BaseDelayMs: 5 * time.Second, MaxDelayMs: time.Second}
	sanitized, warnings := policy.Sanitized()
	assert.NotEmpty(t, warnings)
	assert.Equal(t, time.Second, sanitized.BaseDelayMs)
	assert.Equal(t, 5*time.Second, sanitized.MaxDelayMs)
}

func TestRetryManager_ConfigValidation_UnknownStrategyDefaults(t *testing.T) {
	t.Parallel()

	policy := fbconfig.RetryPolicy{MaxRetries: 3, Strategy: "made-up", MaxDelayMs: time.Second}
	sanitized, warnings := policy.Sanitized()
	assert.NotEmpty(t, warnings)
	assert.Equal(t, fbconfig.StrategyExponential, sanitized.Strategy)
}
