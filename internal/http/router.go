// Package httpapi wires the HTTP transport (Gin) to the ingestion service,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and edge rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/rfletes45/snapstyle-sync/internal/config"
	"github.com/rfletes45/snapstyle-sync/internal/gate"
	"github.com/rfletes45/snapstyle-sync/internal/http/handlers"
	"github.com/rfletes45/snapstyle-sync/internal/http/middleware"
	"github.com/rfletes45/snapstyle-sync/internal/pubsub"
	"github.com/rfletes45/snapstyle-sync/internal/services"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Edge rate limiter (per user/IP token bucket)
//  8. Compression, CORS, and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, hub *pubsub.Hub, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (message bodies never reach logs;
	// query strings and headers are scrubbed of obvious PII)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-User-ID"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (256 KiB; messages are small, attachments
	// travel through the media collaborator and only references come here)
	r.Use(limitBody(256 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Edge token-bucket limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) Compression + CORS posture + security headers
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: gate ← db/config, service ← gate/hub
	g := &gate.Gate{
		DB: db,
		Limits: gate.Limits{
			Period:      time.Minute,
			SendPerMin:  cfg.Ingest.SendPerMinute,
			ReactPerMin: cfg.Ingest.ReactPerMinute,
		},
		Log: log.With().Str("component", "gate").Logger(),
	}
	svc := &services.IngestionService{
		DB:                 db,
		Gate:               g,
		Hub:                hub,
		Log:                log.With().Str("component", "ingest").Logger(),
		EditWindow:         cfg.Ingest.EditWindow,
		MaxEmojiPerMessage: cfg.Ingest.MaxEmojiPerMessage,
	}
	h := handlers.New(svc, hub)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Messages
		api.POST("/conversations/:id/messages", h.CreateMessage)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.PATCH("/messages/:id", h.EditMessage)
		api.DELETE("/messages/:id", h.DeleteMessage)

		// Reactions
		api.POST("/messages/:id/reactions", h.ToggleReaction)

		// Subscriptions
		api.GET("/conversations/:id/events", h.SubscribeEvents)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
