package dedup

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

var mkey = fbtypes.SessionMessageKey{Session: "s1", Message: "m1"}

func TestDedup_EventLockAcquireRelease(t *testing.T) {
	t.Parallel()

	g := New(10*time.Second, 10*time.Second)
	assert.True(t, g.AcquireEventLock("s1"))
	assert.False(t, g.AcquireEventLock("s1"), "already held")

	g.ReleaseEventLock("s1")
	assert.True(t, g.AcquireEventLock("s1"), "free again after release")
}

// P1 — isolation: distinct sessions never interfere.
func TestDedup_SessionLock_IndependentPerSession_P1(t *testing.T) {
	t.Parallel()

	g := New(10*time.Second, 10*time.Second)
	assert.True(t, g.AcquireSessionLock("s1"))
	assert.True(t, g.AcquireSessionLock("s2"), "distinct session is unaffected by s1's lock")
}

func TestDedup_SessionLock_SecondAcquireFails(t *testing.T) {
	t.Parallel()

	g := New(10*time.Second, 10*time.Second)
	assert.True(t, g.AcquireSessionLock("s1"))
	assert.False(t, g.AcquireSessionLock("s1"))

	g.ReleaseSessionLock("s1")
	assert.True(t, g.AcquireSessionLock("s1"))
}

// P2 — at-most-once-in-window.
func TestDedup_FallbackInProgress_AtMostOnceInWindow_P2(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := New(10*time.Second, time.Second)

		assert.True(t, g.TryMarkFallbackInProgress(mkey))
		assert.False(t, g.TryMarkFallbackInProgress(mkey), "second attempt within dedup window is rejected")

		time.Sleep(2 * time.Second)
		assert.True(t, g.TryMarkFallbackInProgress(mkey), "window elapsed, mark is free again")
	})
}

func TestDedup_FallbackInProgress_ClearReleasesImmediately(t *testing.T) {
	t.Parallel()

	g := New(10*time.Second, 10*time.Second)
	assert.True(t, g.TryMarkFallbackInProgress(mkey))
	g.ClearFallbackInProgress(mkey)
	assert.True(t, g.TryMarkFallbackInProgress(mkey))
}

func TestDedup_EventLock_ExpiresAfterTTL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := New(time.Second, 10*time.Second)
		assert.True(t, g.AcquireEventLock("s1"))

		time.Sleep(2 * time.Second)
		assert.True(t, g.AcquireEventLock("s1"), "TTL elapsed, lock auto-released")
	})
}

func TestDedup_DistinctMessagesIndependent(t *testing.T) {
	t.Parallel()

	g := New(10*time.Second, 10*time.Second)
	other := fbtypes.SessionMessageKey{Session: "s1", Message: "m2"}

	assert.True(t, g.TryMarkFallbackInProgress(mkey))
	assert.True(t, g.TryMarkFallbackInProgress(other))
}
