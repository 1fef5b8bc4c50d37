package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scout/internal/server/bootstrap"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

type serveOptions struct {
	host        string
	port        int
	outputRoot  string
	storeDriver string
	storeDSN    string
	command     string
}

// overrides returns config keys for the flags set on the command line.
func (o *serveOptions) overrides(cmd *cobra.Command) map[string]any {
	values := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("host") {
		values["server.host"] = o.host
	}
	if flags.Changed("port") {
		values["server.port"] = o.port
	}
	if flags.Changed("output-root") {
		values["output_root"] = o.outputRoot
	}
	if flags.Changed("store") {
		values["store.driver"] = o.storeDriver
	}
	if flags.Changed("store-dsn") {
		values["store.dsn"] = o.storeDSN
	}
	if flags.Changed("pipeline-command") {
		values["pipeline.command"] = o.command
	}
	return values
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API server",
		Long: `Run the HTTP API: session submit/list/state/cleanup, artifact downloads,
WebSocket and SSE event streams, health and Prometheus metrics.

Flags override scout.yaml and SCOUT_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := root.load(opts.overrides(cmd))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			return bootstrap.RunServer(ctx, cfg, meta)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "", "Listen host (server.host)")
	flags.IntVarP(&opts.port, "port", "p", 0, "Listen port (server.port)")
	flags.StringVar(&opts.outputRoot, "output-root", "", "Artifact root directory (output_root)")
	flags.StringVar(&opts.storeDriver, "store", "", "Session store driver: memory or sqlite (store.driver)")
	flags.StringVar(&opts.storeDSN, "store-dsn", "", "SQLite database path (store.dsn)")
	flags.StringVar(&opts.command, "pipeline-command", "", "External pipeline executable (pipeline.command)")
	return cmd
}
