package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scout/internal/artifacts"
	"scout/internal/logging"
	"scout/internal/observability"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired artifacts once and exit",
		Long: `Run one retention pass over output_root: files older than artifacts.ttl are
deleted and emptied session directories removed. A running server does the
same on artifacts.sweep_schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("ttl") {
				overrides["artifacts.ttl"] = ttl
			}
			cfg, _, err := root.load(overrides)
			if err != nil {
				return err
			}
			observability.SetDefault(observability.NewLogger(cfg.Log.LogConfig()))

			janitor := &artifacts.Janitor{
				Root:   cfg.OutputRoot,
				TTL:    cfg.Artifacts.TTL,
				Logger: logging.NewComponentLogger("Janitor"),
			}
			removed, err := janitor.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired artifact(s) from %s\n", removed, cfg.OutputRoot)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Override artifacts.ttl")
	return cmd
}
