package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scout/internal/logging"
	"scout/internal/observability"
	"scout/internal/server/app"
)

// RouterDeps carries everything the router serves.
type RouterDeps struct {
	Sessions    *app.SessionService
	Hub         *app.Hub
	Stream      StreamConfig
	CORSOrigins []string
	Tracer      *observability.TracerProvider
	Gatherer    prometheus.Gatherer
	Logger      logging.Logger
	Debug       bool
}

// Router is the gin engine plus the stream handler whose connections must be
// closed on shutdown.
type Router struct {
	*gin.Engine
	Streams *StreamHandler
}

// NewRouter creates the HTTP router with all endpoints.
func NewRouter(deps RouterDeps) *Router {
	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Router")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	started := time.Now()

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware(deps.CORSOrigins))
	engine.Use(TracingMiddleware(deps.Tracer))
	engine.Use(LoggingMiddleware(logger))

	sessionHandler := NewSessionHandler(deps.Sessions, logger)
	streamHandler := NewStreamHandler(deps.Sessions, deps.Hub, deps.Stream, logger)

	api := engine.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		respondOK(c, http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).Round(time.Second).String(),
			"hub":    deps.Hub.Stats(),
		})
	})

	sessions := api.Group("/sessions")
	{
		sessions.POST("", sessionHandler.Submit)
		sessions.GET("", sessionHandler.List)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.DELETE("/:id", sessionHandler.Delete)
		sessions.GET("/:id/files/:filename", sessionHandler.Download)
		sessions.GET("/:id/stream", streamHandler.ServeWebSocket)
		sessions.GET("/:id/events", streamHandler.ServeSSE)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "route not found"})
	})

	return &Router{Engine: engine, Streams: streamHandler}
}
