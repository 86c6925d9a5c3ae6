// Package http exposes the orchestration layer over HTTP: a JSON API for the
// pull path, SSE and WebSocket endpoints for the push path.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"linkops/internal/logging"
	"linkops/internal/observability"
	"linkops/internal/server/app"
)

// RouterConfig controls transport behavior.
type RouterConfig struct {
	Debug      bool
	EnableCORS bool
	// SnapshotTTL bounds staleness of cached pull-path snapshots. Zero
	// disables the cache.
	SnapshotTTL time.Duration
	// Tracer instruments requests and push connections. Nil disables spans.
	Tracer *observability.TracerProvider
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(coordinator *app.Coordinator, cfg RouterConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logging.NewComponentLogger("HTTP")))
	if cfg.Tracer != nil {
		engine.Use(requestTracer(cfg.Tracer))
	}

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	api := NewAPIHandler(coordinator, cfg.SnapshotTTL)
	sse := NewSSEHandler(coordinator.Broadcaster(), cfg.Tracer)
	ws := NewWSHandler(coordinator.Broadcaster())

	engine.GET("/health", api.HandleHealth)

	group := engine.Group("/api")
	{
		group.POST("/generations", api.HandleStart)
		group.GET("/generations/latest", api.HandleLatest)
		group.GET("/generations/:session_id", api.HandleGet)
		group.POST("/generations/:session_id/cancel", api.HandleCancel)
		group.GET("/generations/:session_id/stream", sse.HandleStream)
		group.GET("/generations/:session_id/ws", ws.HandleSocket)

		group.GET("/subjects/:subject_key/sessions", api.HandleHistory)
		group.GET("/subjects/:subject_key/phases", api.HandlePhases)
		group.POST("/subjects/:subject_key/phases/:phase/input", api.HandlePhaseInput)
		group.POST("/subjects/:subject_key/advance", api.HandleAdvance)
	}

	return engine
}

// requestTracer opens a span per request. The route template is resolved by
// gin before middleware runs, so unmatched paths fall back to the raw URL.
func requestTracer(tracer *observability.TracerProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPRequest,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		c.Request = c.Request.WithContext(ctx)
		defer span.End()

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// requestLogger logs each request with latency, matching the component
// logger format used everywhere else.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			logger.Error("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
			return
		}
		logger.Info("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}
