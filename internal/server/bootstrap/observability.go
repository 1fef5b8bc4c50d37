package bootstrap

import (
	"context"
	"time"

	"scout/internal/config"
	"scout/internal/logging"
	"scout/internal/observability"
)

// InitObservability installs the process logger and best-effort initializes
// tracing. It returns the tracer (never nil) and a cleanup hook.
func InitObservability(cfg config.Config) (*observability.TracerProvider, func()) {
	observability.SetDefault(observability.NewLogger(cfg.Log.LogConfig()))
	logger := logging.NewComponentLogger("Observability")

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		logger.Warn("Tracing disabled: %v", err)
		return observability.NoopTracerProvider(), func() {}
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("Tracer shutdown error: %v", err)
		}
	}
	return tracer, cleanup
}
