package fallbackd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/ratefallback/pkg/fbconfig/loader"
)

func newValidateCmd() *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Parse and sanitize a fallback config file, printing every correction applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintln(cmd.OutOrStdout(), "corrected:", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d models configured, mode=%s\n", len(cfg.Models), cfg.Mode)

			if snapshotPath != "" {
				if err := loader.WriteDebugSnapshot(snapshotPath, cfg); err != nil {
					return fmt.Errorf("writing snapshot: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote effective config to", snapshotPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "write the sanitized, effective config to this path")
	return cmd
}
