package fallbackd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/ratefallback/pkg/circuitbreaker"
	"github.com/opencode-ai/ratefallback/pkg/cooldown"
	"github.com/opencode-ai/ratefallback/pkg/dedup"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig"
	"github.com/opencode-ai/ratefallback/pkg/fbconfig/loader"
	"github.com/opencode-ai/ratefallback/pkg/fbhost"
	"github.com/opencode-ai/ratefallback/pkg/fbmetrics"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
	"github.com/opencode-ai/ratefallback/pkg/health"
	"github.com/opencode-ai/ratefallback/pkg/janitor"
	"github.com/opencode-ai/ratefallback/pkg/orchestrator"
	"github.com/opencode-ai/ratefallback/pkg/patternregistry"
	"github.com/opencode-ai/ratefallback/pkg/retrymanager"
	"github.com/opencode-ai/ratefallback/pkg/selector"
	"github.com/opencode-ai/ratefallback/pkg/sessionstate"
	"github.com/opencode-ai/ratefallback/pkg/subagent"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		agentName  string
		prompt     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a rate-limit event against the fallback engine and print the resulting decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := fbconfig.Default()
			cfg.Models = []fbtypes.ModelRef{
				{ProviderID: "anthropic", ModelID: "claude-opus"},
				{ProviderID: "openai", ModelID: "gpt-5"},
				{ProviderID: "google", ModelID: "gemini-pro"},
			}
			if configPath != "" {
				loaded, warnings, err := loader.Load(configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				for _, w := range warnings {
					slog.Warn("fallback config corrected on load", "detail", w)
				}
				cfg = loaded
			}

			core, j := wireCore(cfg)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go j.Run(ctx)
			defer j.Stop()

			host := core.host().(*simHost)
			session := fbtypes.SessionID("demo-session")
			if agentName != "" {
				host.agents[session] = agentName
			}
			host.seedUserPrompt(session, prompt)

			core.HandleRateLimitFallback(cmd.Context(), session, cfg.Models[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a fallback config YAML file (defaults to a built-in 3-model demo config)")
	cmd.Flags().StringVar(&agentName, "agent", "", "simulate a custom agent bound to the session (exercises the abort-before-prompt path)")
	cmd.Flags().StringVar(&prompt, "prompt", "containerize my app", "user prompt text to seed the simulated session with")

	return cmd
}

// wireCore builds every fallback-engine component from cfg and returns the
// orchestrator Core plus the janitor that sweeps its TTL-backed state.
func wireCore(cfg fbconfig.FallbackConfig) (*demoCore, *janitor.Janitor) {
	logger := slog.Default()

	cd := cooldown.New(cfg.CooldownMs)
	cb := circuitbreaker.New(cfg.CircuitBreaker, logger)
	ht := health.New()
	sel := selector.New(cfg, cd, cb, ht, logger)
	rm := retrymanager.New(cfg.RetryPolicy, logger)
	ss := sessionstate.New(24 * time.Hour)
	sa := subagent.New()
	gate := dedup.New(10*time.Second, 10*time.Second)
	pr := patternregistry.New()
	host := newSimHost()
	retryingHost := fbhost.WrapRetrying(host, logger, backoff.WithMaxTries(3))

	c := orchestrator.New(cfg, orchestrator.Deps{
		Host:      retryingHost,
		Metrics:   fbmetrics.Noop{},
		Logger:    logger,
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

	j := janitor.New(time.Minute, logger)
	j.Register("cooldown", cd, 2*cfg.CooldownMs)
	j.Register("circuitbreaker", cb, time.Hour)
	j.Register("retrymanager", rm, time.Hour)
	j.Register("sessionstate", ss, 24*time.Hour)
	j.Register("subagent", sa, 24*time.Hour)
	j.Register("dedup", gate, time.Hour)
	j.Register("health", ht, time.Hour)

	return &demoCore{Core: c, simHost: host}, j
}

// demoCore exposes the simulated host adapter back to the CLI layer so the
// run subcommand can seed it directly, without the orchestrator needing to
// know its concrete type.
type demoCore struct {
	*orchestrator.Core
	simHost *simHost
}

func (d *demoCore) host() any { return d.simHost }
