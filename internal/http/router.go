// Package httpapi is the local ops server: liveness and readiness checks,
// Prometheus metrics, the poll loop status and a paged view of the seen-set.
// It is read-only and meant to bind to loopback or a private network.
//
// The OpenAPI document under docs/ is generated from the handler
// annotations (swag init -g cmd/slothunter/main.go -o docs) and served by
// Swagger UI at /swagger/index.html.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/slot-hunter/docs" // registers the OpenAPI document
	"github.com/tbourn/slot-hunter/internal/config"
	"github.com/tbourn/slot-hunter/internal/http/handlers"
	"github.com/tbourn/slot-hunter/internal/http/middleware"
)

// APIBase prefixes the JSON endpoints.
const APIBase = "/api/v1"

// RegisterRoutes installs middleware and endpoints on r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger
//  4. Recovery
//  5. Metrics
//  6. Rate limiter (per client IP)
//  7. Security headers
//  8. gzip, except /metrics which promhttp compresses itself
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())
	r.Use(middleware.NewRateLimiter(cfg.Ops.RateRPS, cfg.Ops.RateBurst, middleware.KeyByIP()).Handler())
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group(APIBase)
	{
		api.GET("/status", h.Status)
		api.GET("/slots", h.ListSlots)
	}
}

// NewEngine builds a gin engine in the configured mode with the routes
// installed.
func NewEngine(h *handlers.Handler, cfg config.Config) *gin.Engine {
	gin.SetMode(cfg.Ops.GinMode)
	r := gin.New()
	RegisterRoutes(r, h, cfg)
	return r
}

// NewServer wraps handler in an http.Server listening on cfg.Addr with
// conservative timeouts.
func NewServer(cfg config.OpsConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
