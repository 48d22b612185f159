package sessionstate

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

var model = fbtypes.ModelRef{ProviderID: "anthropic", ModelID: "claude"}

func TestSessionState_SetAndGetModel(t *testing.T) {
	t.Parallel()

	s := New(time.Hour)
	_, ok := s.GetSessionModel("s1")
	assert.False(t, ok)

	s.SetSessionModel("s1", model)
	got, ok := s.GetSessionModel("s1")
	require.True(t, ok)
	assert.Equal(t, model, got)
}

func TestSessionState_SetAndGetAgent(t *testing.T) {
	t.Parallel()

	s := New(time.Hour)
	_, ok := s.GetSessionAgent("s1")
	assert.False(t, ok)

	s.SetSessionAgent("s1", "plan")
	got, ok := s.GetSessionAgent("s1")
	require.True(t, ok)
	assert.Equal(t, "plan", got)
}

func TestSessionState_IndependentSessions(t *testing.T) {
	t.Parallel()

	s := New(time.Hour)
	s.SetSessionModel("s1", model)
	_, ok := s.GetSessionModel("s2")
	assert.False(t, ok)
}

func TestSessionState_EntriesExpireAfterTTL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := New(time.Minute)
		s.SetSessionModel("s1", model)
		s.SetSessionAgent("s1", "plan")

		time.Sleep(2 * time.Minute)
		s.CleanupStaleEntries(time.Minute)

		_, ok := s.GetSessionModel("s1")
		assert.False(t, ok)
		_, ok = s.GetSessionAgent("s1")
		assert.False(t, ok)
	})
}
