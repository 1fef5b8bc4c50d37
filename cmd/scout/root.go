package main

import (
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"scout/internal/config"
)

var (
	versionOnce   sync.Once
	cachedVersion string
)

// appVersion prefers SCOUT_VERSION, then Go build info.
func appVersion() string {
	versionOnce.Do(func() {
		cachedVersion = "dev"
		if v, ok := config.DefaultEnvLookup("SCOUT_VERSION"); ok && strings.TrimSpace(v) != "" {
			cachedVersion = strings.TrimSpace(v)
			return
		}
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			cachedVersion = info.Main.Version
		}
	})
	return cachedVersion
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
}

// load resolves configuration with the given flag overrides on top.
func (o *rootOptions) load(overrides map[string]any) (config.Config, config.Metadata, error) {
	values := make(map[string]any, len(overrides)+1)
	for key, value := range overrides {
		values[key] = value
	}
	if o.logLevel != "" {
		values["log.level"] = o.logLevel
	}
	opts := []config.Option{config.WithOverrides(values)}
	if o.configFile != "" {
		opts = append(opts, config.WithConfigFile(o.configFile))
	}
	return config.Load(opts...)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "scout",
		Short: "Research session orchestrator",
		Long: fmt.Sprintf(`%s

Runs research pipelines as supervised child processes, streams their progress
to dashboards over WebSocket or SSE, and publishes the reports they produce.

%s
  scout serve --port 8080                  # Start the API server
  scout submit "tidal energy" --watch      # Start a session and follow it
  scout watch 5f0c...                      # Follow an existing session
  scout sweep                              # Expire old artifacts now`,
			bold("scout "+appVersion()),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to scout.yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newWatchCommand(opts),
		newPipelineCommand(opts),
		newSweepCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scout %s\n", appVersion())
		},
	}
}

// defaultServerURL points client commands at the configured server.
func defaultServerURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}
