package patternregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

func TestDefaultPatterns_HTTP429HighestPriority(t *testing.T) {
	t.Parallel()

	r := New()
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "request failed: 429 Too Many Requests"})
	require.NotNil(t, matched)
	assert.Equal(t, "http-429", matched.Name)
}

func TestGetMatched_NoMatch(t *testing.T) {
	t.Parallel()

	r := New()
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "invalid request: missing field 'model'"})
	assert.Nil(t, matched)
	assert.False(t, r.IsRateLimitError(fbtypes.ErrorValue{Message: "invalid request"}))
}

func TestGetMatched_GenericBeatsProviderFlavored(t *testing.T) {
	t.Parallel()

	r := New()
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "rate limit exceeded, please retry"})
	require.NotNil(t, matched)
	assert.Equal(t, "generic-rate-limit", matched.Name)
}

func TestGetMatched_ProviderFlavored(t *testing.T) {
	t.Parallel()

	r := New()
	matched := r.GetMatched(fbtypes.ErrorValue{Name: "anthropic.Error", Message: "overloaded_error: servers are overloaded"})
	require.NotNil(t, matched)
	assert.Equal(t, "anthropic-overload", matched.Name)
}

func TestRegister_ReplacesByName(t *testing.T) {
	t.Parallel()

	r := New()
	r.Register(ErrorPattern{Name: "http-429", Priority: 1, Patterns: []Pattern{Literal("never-matches-anything")}})

	// The replaced pattern no longer matches on "429" alone because its
	// priority dropped and its literal changed; generic-rate-limit (90)
	// still doesn't match a bare status code, so no pattern fires.
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "HTTP 429"})
	assert.Nil(t, matched)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	r := New()
	r.Remove("http-429")
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "status 429"})
	// generic-rate-limit doesn't match a bare "429" without the word
	// "rate limit"/"too many requests"/etc, so removing http-429 means no match.
	assert.Nil(t, matched)
}

func TestClearAllThenResetToDefaults(t *testing.T) {
	t.Parallel()

	r := New()
	r.ClearAll()
	assert.Nil(t, r.GetMatched(fbtypes.ErrorValue{Message: "429"}))

	r.ResetToDefaults()
	matched := r.GetMatched(fbtypes.ErrorValue{Message: "429"})
	require.NotNil(t, matched)
	assert.Equal(t, "http-429", matched.Name)
}

func TestRegisterMany_SortsOncePriorityDescending(t *testing.T) {
	t.Parallel()

	r := New()
	r.ClearAll()
	r.RegisterMany([]ErrorPattern{
		{Name: "low", Priority: 1, Patterns: []Pattern{Literal("boom")}},
		{Name: "high", Priority: 100, Patterns: []Pattern{Literal("boom")}},
	})

	matched := r.GetMatched(fbtypes.ErrorValue{Message: "boom"})
	require.NotNil(t, matched)
	assert.Equal(t, "high", matched.Name)
}

func TestFromError_RegexFallbackStatusCode(t *testing.T) {
	t.Parallel()

	err := assertError(`POST "/v1/chat/completions": 429 Too Many Requests {"error": "rate limited"}`)
	ce := FromError(err)
	require.NotNil(t, ce.Data)
	assert.Equal(t, 429, ce.Data.StatusCode)
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertError(msg string) error { return stringError(msg) }
