package bootstrap

import (
	"strings"
	"time"

	"scout/internal/config"
	"scout/internal/logging"
)

// LogServerConfiguration prints the effective configuration with the source
// of the settings operators most often override.
func LogServerConfiguration(logger logging.Logger, cfg config.Config, meta config.Metadata) {
	logger = logging.OrNop(logger)

	logger.Info("=== Server Configuration ===")
	if path := meta.ConfigFile(); path != "" {
		logger.Info("Config file: %s", path)
	} else {
		logger.Info("Config file: (none, defaults and environment only)")
	}
	logger.Info("Resolved at: %s", meta.LoadedAt().Format(time.RFC3339))
	logger.Info("Listen: %s (source=%s)", cfg.Server.Addr(), meta.Source("server.port"))
	logger.Info("CORS origins: %s", strings.Join(cfg.Server.CORSOrigins, ","))
	logger.Info("Output root: %s (source=%s)", cfg.OutputRoot, meta.Source("output_root"))
	logger.Info("Store: %s (source=%s)", cfg.Store.Driver, meta.Source("store.driver"))
	if cfg.Pipeline.Command != "" {
		logger.Info("Pipeline: %s %s", cfg.Pipeline.Command, strings.Join(cfg.Pipeline.Args, " "))
	} else {
		logger.Info("Pipeline: built-in (plan=%q)", cfg.Pipeline.PlanFile)
	}
	logger.Info("Pipeline run timeout: %s", cfg.Pipeline.RunTimeout)
	logger.Info("Reconcile: poll=%s timeout=%s settle=%d extensions=%s",
		cfg.Reconcile.PollInterval,
		cfg.Reconcile.PollTimeout,
		cfg.Reconcile.SettlePolls,
		strings.Join(cfg.Reconcile.NormalizedExtensions(), ","),
	)
	logger.Info("Hub: ring=%d buffer=%d heartbeat=%s dead_peer=%s",
		cfg.Hub.RingCapacity,
		cfg.Hub.SubscriberBuffer,
		cfg.Hub.HeartbeatInterval,
		cfg.Hub.DeadPeerTimeout,
	)
	logger.Info("Artifact retention: ttl=%s schedule=%q", cfg.Artifacts.TTL, cfg.Artifacts.SweepSchedule)
	if cfg.Tracing.Enabled {
		logger.Info("Tracing: %s", cfg.Tracing.Exporter)
	} else {
		logger.Info("Tracing: disabled")
	}
	logger.Info("===========================")
}
