package patternregistry

// DefaultPatterns returns the built-in priority-ordered table: HTTP 429
// first, then generic rate-limit phrasing, then provider-flavored phrasing
// pulled from the providers the pack's teacher repo actually integrates
// (Anthropic, OpenAI, Gemini, Bedrock), and last a group of
// concurrency/usage-limit phrasing.
func DefaultPatterns() []ErrorPattern {
	return []ErrorPattern{
		{
			Name:     "http-429",
			Priority: 100,
			Patterns: []Pattern{Regex(`\b429\b`)},
		},
		{
			Name:     "generic-rate-limit",
			Priority: 90,
			Patterns: []Pattern{
				Literal("rate limit"),
				Literal("too many requests"),
				Literal("quota exceeded"),
				Literal("throttl"),
				Literal("resource exhausted"),
			},
		},
		{
			Name:     "anthropic-overload",
			Provider: "anthropic",
			Priority: 80,
			Patterns: []Pattern{
				Literal("overloaded_error"),
				Literal("rate_limit_error"),
			},
		},
		{
			Name:     "openai-capacity",
			Provider: "openai",
			Priority: 80,
			Patterns: []Pattern{
				Literal("insufficient_quota"),
				Literal("requests per min"),
				Literal("tokens per min"),
			},
		},
		{
			Name:     "gemini-resource-exhausted",
			Provider: "gemini",
			Priority: 80,
			Patterns: []Pattern{
				Literal("resource_exhausted"),
				Literal("quota metric"),
			},
		},
		{
			Name:     "bedrock-throttling",
			Provider: "bedrock",
			Priority: 80,
			Patterns: []Pattern{
				Literal("throttlingexception"),
				Literal("toomanyrequestsexception"),
				Literal("service unavailable exception"),
			},
		},
		{
			Name:     "high-concurrency",
			Priority: 70,
			Patterns: []Pattern{
				Literal("high concurrency"),
				Literal("reduce concurrency"),
				Literal("usage limit"),
			},
		},
	}
}
