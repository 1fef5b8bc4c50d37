package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"scout/internal/observability"
)

// EnvLookup resolves environment variables; tests replace it to stay hermetic.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads the process environment.
var DefaultEnvLookup EnvLookup = os.LookupEnv

// EnvPrefix prefixes every environment override: SCOUT_HUB_RING_CAPACITY
// sets hub.ring_capacity.
const EnvPrefix = "SCOUT"

type loadOptions struct {
	envLookup  EnvLookup
	configFile string
	searchDirs []string
	overrides  map[string]any
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnv replaces the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithConfigFile reads an explicit file instead of searching for scout.yaml.
// A missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) {
		o.configFile = strings.TrimSpace(path)
	}
}

// WithSearchDirs replaces the directories searched for scout.yaml.
func WithSearchDirs(dirs ...string) Option {
	return func(o *loadOptions) {
		o.searchDirs = dirs
	}
}

// WithOverrides applies values that win over every other source, typically
// command-line flags the user set explicitly.
func WithOverrides(values map[string]any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		for k, v := range values {
			o.overrides[k] = v
		}
	}
}

// Metadata records where each setting came from.
type Metadata struct {
	sources    map[string]ValueSource
	configFile string
	loadedAt   time.Time
}

// Source reports the origin of key (for example "hub.ring_capacity").
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[strings.ToLower(key)]; ok {
		return src
	}
	return SourceDefault
}

// ConfigFile returns the file that was read, or "".
func (m Metadata) ConfigFile() string {
	return m.configFile
}

// LoadedAt returns when the configuration was resolved.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Load resolves the configuration and validates it.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup:  DefaultEnvLookup,
		searchDirs: []string{".", "$HOME/.scout"},
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	v := viper.New()
	setDefaults(v)

	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
	} else {
		v.SetConfigName("scout")
		v.SetConfigType("yaml")
		for _, dir := range options.searchDirs {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if options.configFile != "" || !errors.As(err, &notFound) {
			return Config{}, meta, fmt.Errorf("read config: %w", err)
		}
	} else {
		meta.configFile = v.ConfigFileUsed()
	}

	for _, key := range v.AllKeys() {
		if v.InConfig(key) {
			meta.sources[key] = SourceFile
		}
		if options.envLookup == nil {
			continue
		}
		if value, ok := options.envLookup(EnvKey(key)); ok && strings.TrimSpace(value) != "" {
			v.Set(key, value)
			meta.sources[key] = SourceEnv
		}
	}
	for _, key := range sortedKeys(options.overrides) {
		v.Set(key, options.overrides[key])
		meta.sources[strings.ToLower(key)] = SourceOverride
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, meta, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, meta, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, meta, nil
}

// EnvKey maps a config key to its environment variable name.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("output_root", DefaultOutputRoot)

	v.SetDefault("reconcile.poll_interval", DefaultPollInterval)
	v.SetDefault("reconcile.poll_timeout", DefaultPollTimeout)
	v.SetDefault("reconcile.settle_polls", DefaultSettlePolls)
	v.SetDefault("reconcile.extensions", []string{".pdf", ".docx", ".md"})
	v.SetDefault("reconcile.max_tracked_sessions", DefaultMaxTracked)

	v.SetDefault("hub.ring_capacity", DefaultRingCapacity)
	v.SetDefault("hub.subscriber_buffer", DefaultSubscriberBuffer)
	v.SetDefault("hub.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("hub.dead_peer_timeout", DefaultDeadPeerTimeout)
	v.SetDefault("hub.write_timeout", DefaultWriteTimeout)

	v.SetDefault("artifacts.ttl", DefaultArtifactTTL)
	v.SetDefault("artifacts.sweep_schedule", DefaultSweepSchedule)

	v.SetDefault("stream.chunk_size", DefaultChunkSize)

	v.SetDefault("pipeline.command", "")
	v.SetDefault("pipeline.args", []string{})
	v.SetDefault("pipeline.run_timeout", time.Duration(0))
	v.SetDefault("pipeline.plan_file", "")
	v.SetDefault("pipeline.source_language", DefaultSourceLanguage)

	v.SetDefault("stages.order", []string{})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	obs := observability.DefaultConfig()
	v.SetDefault("log.level", obs.Logging.Level)
	v.SetDefault("log.format", obs.Logging.Format)
	v.SetDefault("tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", obs.Tracing.ServiceVersion)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
