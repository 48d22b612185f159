// Package fallbackd is a demo CLI that wires every fallback-engine
// component together and drives it against a simulated host adapter,
// mirroring the teacher's cmd/root package structure (persistent flags,
// one subcommand per concern, slog configured in PersistentPreRunE).
package fallbackd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/ratefallback/pkg/logging"
)

type rootFlags struct {
	debugMode   bool
	logFilePath string
	logFile     io.Closer
}

// NewRootCmd builds the fallbackd command tree.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "fallbackd",
		Short: "fallbackd - rate-limit fallback core demo",
		Long:  "fallbackd drives the rate-limit fallback engine against a simulated host, for local exploration and config validation.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if flags.debugMode {
				level = slog.LevelDebug
			}

			out := cmd.ErrOrStderr()
			if flags.logFilePath != "" {
				rf, err := logging.NewRotatingFile(flags.logFilePath)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				flags.logFile = rf
				out = rf
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if flags.logFile != nil {
				return flags.logFile.Close()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "write logs to this file instead of stderr, rotating past 10MB")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(args ...string) int {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fallbackd:", err)
		return 1
	}
	return 0
}
