package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"scout/internal/config"
	"scout/internal/logging"
)

// RunServer starts the HTTP API server and blocks until ctx is cancelled or
// the listener fails.
func RunServer(ctx context.Context, cfg config.Config, meta config.Metadata) error {
	tracer, cleanupTracing := InitObservability(cfg)
	defer cleanupTracing()

	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting scout server...")
	LogServerConfiguration(logger, cfg, meta)

	container, err := BuildContainer(ctx, cfg, tracer)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	if n, err := container.Sessions.RecoverInterrupted(ctx); err != nil {
		logger.Warn("Session recovery failed: %v", err)
	} else if n > 0 {
		logger.Info("Recovered %d interrupted sessions", n)
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		_ = container.Shutdown()
		return fmt.Errorf("listen: %w", err)
	}
	return Serve(ctx, container, listener, logger)
}

// Serve runs the HTTP server and the retention janitor on listener until ctx
// ends, then shuts everything down within the configured timeout.
func Serve(ctx context.Context, container *Container, listener net.Listener, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	cfg := container.Config
	server := &http.Server{
		Handler:           container.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Server listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return container.Janitor.Run(groupCtx, cfg.Artifacts.SweepSchedule)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down server...")
		// Streams first: hijacked connections are invisible to Shutdown.
		container.Router.Streams.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := group.Wait()
	if shutdownErr := container.Shutdown(); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("release resources: %w", shutdownErr))
	}
	if err == nil {
		logger.Info("Server stopped")
	}
	return err
}
