package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"scout/internal/artifacts"
	"scout/internal/config"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
	"scout/internal/pipeline"
	serverApp "scout/internal/server/app"
	serverHTTP "scout/internal/server/http"
	"scout/internal/server/ports"
)

// Container holds the wired services of one server process.
type Container struct {
	Config     config.Config
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Tracer     *observability.TracerProvider
	Store      ports.SessionStore
	Hub        *serverApp.Hub
	Sessions   *serverApp.SessionService
	Reconciler *artifacts.Reconciler
	Supervisor *pipeline.Supervisor
	Janitor    *artifacts.Janitor
	Router     *serverHTTP.Router
}

// BuildContainer wires hub, session service, reconciler, supervisor, janitor
// and router from cfg. The tracer may be nil.
func BuildContainer(ctx context.Context, cfg config.Config, tracer *observability.TracerProvider) (*Container, error) {
	if tracer == nil {
		tracer = observability.NoopTracerProvider()
	}
	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.MustNewMetrics(registry)

	store, err := openSessionStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	hub := serverApp.NewHub(serverApp.HubConfig{
		RingCapacity:     cfg.Hub.RingCapacity,
		SubscriberBuffer: cfg.Hub.SubscriberBuffer,
	}, serverApp.WithHubMetrics(metrics))

	sessions := serverApp.NewSessionService(store, hub,
		serverApp.WithDefaultLanguage(cfg.Pipeline.SourceLanguage),
	)

	reconciler, err := artifacts.NewReconciler(artifacts.Config{
		OutputRoot:         cfg.OutputRoot,
		PollInterval:       cfg.Reconcile.PollInterval,
		PollTimeout:        cfg.Reconcile.PollTimeout,
		SettlePolls:        cfg.Reconcile.SettlePolls,
		Extensions:         cfg.Reconcile.NormalizedExtensions(),
		MaxTrackedSessions: cfg.Reconcile.MaxTrackedSessions,
		DefaultLanguage:    cfg.Pipeline.SourceLanguage,
	}, sessions,
		artifacts.WithResultHook(sessions.OnReconciled),
		artifacts.WithMetrics(metrics),
		artifacts.WithTracer(tracer),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	command, args, err := pipelineCommand(cfg.Pipeline)
	if err != nil {
		reconciler.Close()
		_ = store.Close()
		return nil, err
	}
	supervisor := pipeline.NewSupervisor(pipeline.Config{
		Command:         command,
		Args:            args,
		OutputRoot:      cfg.OutputRoot,
		RunTimeout:      cfg.Pipeline.RunTimeout,
		ChunkSize:       cfg.Stream.ChunkSize,
		Aliases:         events.NewAliasTable(cfg.AliasEntries()),
		DefaultLanguage: cfg.Pipeline.SourceLanguage,
	}, sessions,
		pipeline.WithArtifactObserver(reconciler),
		pipeline.WithCompletionHook(sessions.OnRunComplete),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracer),
	)
	sessions.Attach(supervisor, reconciler)

	janitor := &artifacts.Janitor{
		Root:             cfg.OutputRoot,
		TTL:              cfg.Artifacts.TTL,
		Active:           sessions.Active,
		OnSessionRemoved: reconciler.Forget,
		Logger:           logging.NewComponentLogger("Janitor"),
		Metrics:          metrics,
		Tracer:           tracer,
	}

	router := serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Sessions: sessions,
		Hub:      hub,
		Stream: serverHTTP.StreamConfig{
			HeartbeatInterval: cfg.Hub.HeartbeatInterval,
			DeadPeerTimeout:   cfg.Hub.DeadPeerTimeout,
			WriteTimeout:      cfg.Hub.WriteTimeout,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
		Tracer:      tracer,
		Gatherer:    registry,
		Debug:       strings.EqualFold(cfg.Log.Level, "debug"),
	})

	return &Container{
		Config:     cfg,
		Registry:   registry,
		Metrics:    metrics,
		Tracer:     tracer,
		Store:      store,
		Hub:        hub,
		Sessions:   sessions,
		Reconciler: reconciler,
		Supervisor: supervisor,
		Janitor:    janitor,
		Router:     router,
	}, nil
}

// Shutdown stops streams and runs, then releases the store. In-flight runs
// publish their terminal status before it returns.
func (c *Container) Shutdown() error {
	if c == nil {
		return nil
	}
	c.Router.Streams.Close()
	c.Sessions.Close()
	c.Reconciler.Close()
	return c.Store.Close()
}

func openSessionStore(ctx context.Context, cfg config.StoreConfig) (ports.SessionStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return serverApp.NewInMemorySessionStore(), nil
	case "sqlite":
		store, err := serverApp.OpenSQLiteSessionStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// pipelineCommand resolves the launch command. Without a configured command
// the server re-executes its own binary with the pipeline subcommand.
func pipelineCommand(cfg config.PipelineConfig) (string, []string, error) {
	if command := strings.TrimSpace(cfg.Command); command != "" {
		return command, append([]string(nil), cfg.Args...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("resolve pipeline command: %w", err)
	}
	if self == "" {
		return "", nil, errors.New("resolve pipeline command: empty executable path")
	}
	args := []string{"pipeline"}
	if plan := strings.TrimSpace(cfg.PlanFile); plan != "" {
		args = append(args, "--plan", plan)
	}
	if lang := strings.TrimSpace(cfg.SourceLanguage); lang != "" {
		args = append(args, "--source-language", lang)
	}
	args = append(args, cfg.Args...)
	return self, args, nil
}
