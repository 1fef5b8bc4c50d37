package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"scout/internal/logging"
	"scout/internal/observability"
)

// SpanHTTPRequest names the server span opened per request.
const SpanHTTPRequest = "scout.http.request"

// CORSMiddleware allows the configured dashboard origins. An empty list or
// "*" allows any origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	cfg.AllowWebSockets = true

	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowed = nil
			break
		}
		if origin != "" {
			allowed = append(allowed, origin)
		}
	}
	if len(allowed) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowed
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// LogIDHeader carries the request log id in both directions.
const LogIDHeader = "X-Log-Id"

// LoggingMiddleware tags each request with a log id and logs one line per
// request. Stream endpoints are logged when they end.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		logID := strings.TrimSpace(c.GetHeader(LogIDHeader))
		if logID == "" {
			logID = logging.NewLogID()
		}
		c.Header(LogIDHeader, logID)
		c.Request = c.Request.WithContext(logging.ContextWithLogID(c.Request.Context(), logID))

		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logging.WithLogID(logger, logID).Info("route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
			route,
			c.Request.Method,
			c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0,
			c.Writer.Size(),
		)
	}
}

// TracingMiddleware opens a server span around every request.
func TracingMiddleware(tp *observability.TracerProvider) gin.HandlerFunc {
	if tp == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.Param("id"); id != "" {
			ctx = observability.ContextWithSessionID(ctx, id)
		}
		ctx, span := tp.StartSpan(ctx, SpanHTTPRequest,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
