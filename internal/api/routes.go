package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleetfn/internal/auth"
	"fleetfn/internal/observability"
)

// SetupRoutes wires the debug/stats HTTP surface: health/readiness, a
// Prometheus scrape endpoint, and the authenticated invoke/cost routes.
func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.AuthService,
	redisClient *redis.Client,
) {
	SetupMiddleware(app, logger, metrics, authService, redisClient)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "fleetfn debug API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"health":  "GET /healthz",
				"ready":   "GET /readyz",
				"invoke":  "POST /v1/invoke - requires X-API-Key, optional Idempotency-Key header",
				"stats":   "GET /v1/stats - requires X-API-Key",
				"cost":    "GET /v1/cost - requires X-API-Key",
				"metrics": "GET /metrics - Prometheus exposition format",
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1", authService.RequireAPIKey())
	v1.Post("/invoke", handlers.Invoke)
	v1.Get("/stats", handlers.Stats)
	v1.Get("/cost", handlers.CostEstimate)
}
