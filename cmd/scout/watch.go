package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"scout/internal/client"
	"scout/internal/config"
	"scout/internal/events"
)

type watchOptions struct {
	server     string
	follow     bool
	maxBackoff time.Duration
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session's progress live",
		Long: `Stream a session from the server and render its stages, progress and
artifacts. Dropped connections are retried with exponential backoff and the
view is rebuilt from the server snapshot on every reconnect.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load(nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			return watchSession(ctx, cmd.OutOrStdout(), cfg, opts.serverURL(cfg), args[0], opts)
		},
	}
	addWatchFlags(cmd, opts)
	return cmd
}

func addWatchFlags(cmd *cobra.Command, opts *watchOptions) {
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "", "Server URL (default: from server.host and server.port)")
	flags.BoolVar(&opts.follow, "follow", false, "Keep streaming after the session finishes")
	flags.DurationVar(&opts.maxBackoff, "max-backoff", 10*time.Second, "Longest delay between reconnect attempts")
}

func (o *watchOptions) serverURL(cfg config.Config) string {
	if o.server != "" {
		return o.server
	}
	return defaultServerURL(cfg)
}

// watchSession renders a session until it finishes or ctx ends. On a
// terminal the view is redrawn in place; otherwise one summary line is
// printed per change and the full view once at the end.
func watchSession(ctx context.Context, out io.Writer, cfg config.Config, server, sessionID string, opts *watchOptions) error {
	store := client.NewStore(sessionID,
		client.WithStageOrder(cfg.StageOrder()),
		client.WithAliases(events.NewAliasTable(cfg.AliasEntries())),
	)
	width := terminalWidth(out)
	interactive := width > 0

	var lastSummary string
	hook := func(snap client.Snapshot) {
		if interactive {
			fmt.Fprint(out, ansi.CursorHomePosition+ansi.EraseEntireScreen+renderSnapshot(snap, width))
			return
		}
		if summary := renderSummary(snap); summary != lastSummary {
			lastSummary = summary
			fmt.Fprintln(out, summary)
		}
	}

	sub, err := client.NewSubscriber(client.SubscriberConfig{
		BaseURL:         server,
		SessionID:       sessionID,
		MaxBackoff:      opts.maxBackoff,
		DeadPeerTimeout: cfg.Hub.DeadPeerTimeout,
		StopOnTerminal:  !opts.follow,
	}, store, client.WithUpdateHook(hook))
	if err != nil {
		return err
	}
	if err := sub.Run(ctx); err != nil {
		return err
	}
	if !interactive {
		fmt.Fprint(out, renderSnapshot(store.Snapshot(), 0))
	}
	if store.Status() == events.RunFailed {
		return fmt.Errorf("session %s failed", sessionID)
	}
	return nil
}
