package main

import (
	"fmt"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scout/internal/client"
	"scout/internal/config"
	"scout/internal/events"
	"scout/internal/logging"
)

const apiTimeout = 30 * time.Second

func newSubmitCommand(root *rootOptions) *cobra.Command {
	var (
		language  string
		sessionID string
		watch     bool
	)
	watchOpts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "submit <subject...>",
		Short: "Start a research session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load(nil)
			if err != nil {
				return err
			}
			server := watchOpts.serverURL(cfg)
			api, err := client.NewAPIClient(server, apiTimeout, logging.NewComponentLogger("APIClient"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()

			out, err := api.Submit(ctx, client.SubmitRequest{
				Subject:   strings.Join(args, " "),
				Language:  language,
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Session started:"), out.SessionID)
			if !watch {
				fmt.Fprintf(cmd.OutOrStdout(), "Follow it with: scout watch %s\n", out.SessionID)
				return nil
			}
			return watchSession(ctx, cmd.OutOrStdout(), cfg, server, out.SessionID, watchOpts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&language, "language", "l", "", "Report language (default: pipeline.source_language)")
	flags.StringVar(&sessionID, "session-id", "", "Use this session id instead of a generated one")
	flags.BoolVarP(&watch, "watch", "w", false, "Follow the session after submitting")
	addWatchFlags(cmd, watchOpts)
	return cmd
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Print the current state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load(nil)
			if err != nil {
				return err
			}
			if server == "" {
				server = defaultServerURL(cfg)
			}
			api, err := client.NewAPIClient(server, apiTimeout, logging.NewComponentLogger("APIClient"))
			if err != nil {
				return err
			}
			state, err := api.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(statusSnapshot(cfg, state), terminalWidth(cmd.OutOrStdout())))
			if state.Error != "" {
				fmt.Fprintln(cmd.OutOrStdout(), red("Error: "+state.Error))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server URL (default: from server.host and server.port)")
	return cmd
}

// statusSnapshot folds a REST state into the same view watch renders.
func statusSnapshot(cfg config.Config, state client.SessionStatus) client.Snapshot {
	store := client.NewStore(state.SessionID,
		client.WithStageOrder(cfg.StageOrder()),
		client.WithAliases(events.NewAliasTable(cfg.AliasEntries())),
	)
	for _, agent := range state.Agents {
		store.Apply(events.Now(state.SessionID, agent))
	}
	for _, file := range state.Files {
		store.Apply(events.Now(state.SessionID, file))
	}
	store.Apply(events.Now(state.SessionID, events.ResearchStatus{OverallStatus: state.Status, Progress: state.Progress}))
	snap := store.Snapshot()
	snap.Progress = state.Progress
	return snap
}
