// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, caller identity, logging/redaction, panic
// recovery, metrics, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → Identity → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Order and payment responses are never cached
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/domain"
	"github.com/tbourn/chef-meal-orders/internal/http/docs"
	"github.com/tbourn/chef-meal-orders/internal/http/handlers"
	"github.com/tbourn/chef-meal-orders/internal/http/middleware"
	"github.com/tbourn/chef-meal-orders/internal/repo"
	"github.com/tbourn/chef-meal-orders/internal/sysutil"
)

const (
	// maxBodyBytes caps request bodies for all endpoints.
	maxBodyBytes = 1 << 20
	// readyTimeout bounds the database ping behind /readyz.
	readyTimeout = 2 * time.Second
)

var (
	allowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	allowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderCustomerID, middleware.HeaderChefID, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders = []string{"X-Request-ID", "Content-Length", middleware.HeaderIdempotencyReplayed, "Retry-After"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: customer/chef headers, used by logs, limiter and idempotency
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter and gzip
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per caller/IP, bypass on replay, webhooks and probes exempt)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, orders handlers.OrderService, events handlers.EventService, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := strings.TrimRight(cfg.APIBasePath, "/")

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "chef-meal-orders")))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity
	r.Use(middleware.Identity())

	// 4) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB) and response compression
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen:    200,
			Operation: middleware.OperationByRoute(idempotentRoutes(apiBase)),
		},
		idempotencyLookup(db),
	))

	// 9) Token-bucket rate limiter per caller/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCallerOrIP()).
		Exempt(apiBase+"/webhooks/", "/health", "/readyz", "/metrics")
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	r.Use(corsMiddleware(cfg.CORS)...)

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness and readiness
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", readiness(db))

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = apiBase
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(orders, events)

	// Public API
	api := groupWithPrefix(r, apiBase)
	{
		// Events (chef)
		api.POST("/events", h.CreateEvent)
		api.GET("/events/:id", h.GetEvent)
		api.GET("/events/:id/orders", h.ListEventOrders)
		api.POST("/events/:id/cancel", h.CancelEvent)

		// Orders (customer)
		api.POST("/events/:id/orders", h.CreateOrder)
		api.GET("/orders/:id", h.GetOrder)
		api.PATCH("/orders/:id", h.AdjustOrder)
		api.POST("/orders/:id/cancel", h.CancelOrder)

		// Payment provider
		api.POST("/webhooks/:provider", h.HandleWebhook)
	}
}

// idempotentRoutes names the stored operation behind each mutating route.
func idempotentRoutes(apiBase string) map[string]string {
	return map[string]string{
		http.MethodPost + " " + apiBase + "/events":            domain.OpCreateEvent,
		http.MethodPost + " " + apiBase + "/events/:id/cancel": domain.OpCancelEvent,
		http.MethodPost + " " + apiBase + "/events/:id/orders": domain.OpCreateOrder,
		http.MethodPatch + " " + apiBase + "/orders/:id":       domain.OpAdjustOrder,
		http.MethodPost + " " + apiBase + "/orders/:id/cancel": domain.OpCancelOrder,
	}
}

// idempotencyLookup reports stored results so replays skip the rate limiter.
// Lookup errors are treated as misses.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, scope, operation, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, scope, operation, key, now)
		if errors.Is(err, repo.ErrNotFound) || rec == nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

// readiness pings the database.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness: database unavailable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "database": "up"})
	}
}

// corsMiddleware returns the CORS chain for the configured origins.
func corsMiddleware(cfg config.CORSConfig) []gin.HandlerFunc {
	if len(cfg.AllowedOrigins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header (helps simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     allowMethods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		// Echo ACAO with the request Origin when it is in the allowlist.
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     allowMethods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
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
