// Package config loads scout settings from defaults, an optional scout.yaml,
// SCOUT_* environment variables and command-line overrides, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"scout/internal/events"
	"scout/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8080
	DefaultOutputRoot        = "./outputs"
	DefaultPollInterval      = 2 * time.Second
	DefaultPollTimeout       = 30 * time.Second
	DefaultSettlePolls       = 0
	DefaultMaxTracked        = 1024
	DefaultRingCapacity      = 1000
	DefaultSubscriberBuffer  = 256
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDeadPeerTimeout   = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultArtifactTTL       = 24 * time.Hour
	DefaultSweepSchedule     = "@every 1h"
	DefaultChunkSize         = 4096
	DefaultSourceLanguage    = "en"
	DefaultShutdownTimeout   = 15 * time.Second
)

// SuppressAlias is the alias value that hides a stage label.
const SuppressAlias = "-"

// Config is the complete runtime configuration.
type Config struct {
	Server     ServerConfig                `mapstructure:"server"`
	OutputRoot string                      `mapstructure:"output_root"`
	Reconcile  ReconcileConfig             `mapstructure:"reconcile"`
	Hub        HubConfig                   `mapstructure:"hub"`
	Artifacts  ArtifactsConfig             `mapstructure:"artifacts"`
	Stream     StreamConfig                `mapstructure:"stream"`
	Pipeline   PipelineConfig              `mapstructure:"pipeline"`
	Stages     StagesConfig                `mapstructure:"stages"`
	Aliases    map[string]string           `mapstructure:"aliases"`
	Store      StoreConfig                 `mapstructure:"store"`
	Log        observability.LoggingConfig `mapstructure:"log"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ReconcileConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	SettlePolls        int           `mapstructure:"settle_polls"`
	Extensions         []string      `mapstructure:"extensions"`
	MaxTrackedSessions int           `mapstructure:"max_tracked_sessions"`
}

type HubConfig struct {
	RingCapacity      int           `mapstructure:"ring_capacity"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadPeerTimeout   time.Duration `mapstructure:"dead_peer_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type ArtifactsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type StreamConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
}

// PipelineConfig describes how the external research pipeline is launched.
// Command empty means "run this binary's own pipeline subcommand".
type PipelineConfig struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	PlanFile       string        `mapstructure:"plan_file"`
	SourceLanguage string        `mapstructure:"source_language"`
}

type StagesConfig struct {
	Order []string `mapstructure:"order"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite
	DSN    string `mapstructure:"dsn"`
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		errs = append(errs, errors.New("output_root: must not be empty"))
	}
	positive := map[string]time.Duration{
		"reconcile.poll_interval": c.Reconcile.PollInterval,
		"reconcile.poll_timeout":  c.Reconcile.PollTimeout,
		"hub.heartbeat_interval":  c.Hub.HeartbeatInterval,
		"hub.dead_peer_timeout":   c.Hub.DeadPeerTimeout,
		"hub.write_timeout":       c.Hub.WriteTimeout,
		"artifacts.ttl":           c.Artifacts.TTL,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", key, positive[key]))
		}
	}
	if c.Pipeline.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.run_timeout: must not be negative, got %s", c.Pipeline.RunTimeout))
	}
	if c.Reconcile.SettlePolls < 0 {
		errs = append(errs, fmt.Errorf("reconcile.settle_polls: must not be negative, got %d", c.Reconcile.SettlePolls))
	}
	counts := map[string]int{
		"reconcile.max_tracked_sessions": c.Reconcile.MaxTrackedSessions,
		"hub.ring_capacity":              c.Hub.RingCapacity,
		"hub.subscriber_buffer":          c.Hub.SubscriberBuffer,
		"stream.chunk_size":              c.Stream.ChunkSize,
	}
	for _, key := range sortedKeys(counts) {
		if counts[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", key, counts[key]))
		}
	}
	if c.Hub.DeadPeerTimeout > 0 && c.Hub.DeadPeerTimeout <= c.Hub.HeartbeatInterval {
		errs = append(errs, errors.New("hub.dead_peer_timeout: must exceed hub.heartbeat_interval"))
	}
	if len(c.Reconcile.Extensions) == 0 {
		errs = append(errs, errors.New("reconcile.extensions: at least one extension required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn: required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// AliasEntries returns the default alias table extended by configured
// aliases. A value of "-" suppresses the label.
func (c Config) AliasEntries() []events.AliasEntry {
	entries := events.DefaultAliasEntries()
	for _, label := range sortedKeys(c.Aliases) {
		name := strings.TrimSpace(c.Aliases[label])
		if name == SuppressAlias {
			entries = append(entries, events.AliasEntry{Label: label, Suppressed: true})
			continue
		}
		entries = append(entries, events.AliasEntry{Label: label, Name: name})
	}
	return entries
}

// StageOrder returns the configured stage display order, or the default one.
func (c Config) StageOrder() []string {
	if len(c.Stages.Order) == 0 {
		return events.DefaultStageOrder()
	}
	order := make([]string, 0, len(c.Stages.Order))
	for _, name := range c.Stages.Order {
		if id := events.StageID(name); id != "" {
			order = append(order, id)
		}
	}
	return order
}

// NormalizedExtensions returns lowercase extensions with a leading dot.
func (c ReconcileConfig) NormalizedExtensions() []string {
	out := make([]string, 0, len(c.Extensions))
	for _, ext := range c.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
