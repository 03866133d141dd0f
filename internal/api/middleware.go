package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleetfn/internal/auth"
	"fleetfn/internal/funnel"
	"fleetfn/internal/observability"
)

// SetupMiddleware wires recovery, request ids, CORS, request logging plus
// metrics, and (when redisClient is non-nil) a per-client distributed rate
// limit on /v1/invoke.
func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, authSvc *auth.AuthService, redisClient *redis.Client) {
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,Idempotency-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(c.Path(), fmt.Sprintf("%d", status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Path()).Observe(duration.Seconds())
		}
		return err
	})

	if redisClient == nil {
		return
	}

	app.Use("/v1/invoke", func(c *fiber.Ctx) error {
		// This handler runs ahead of the /v1 group's RequireAPIKey, so the
		// client is usually not in the context yet; resolve it from the key.
		client, err := auth.GetClientFromContext(c)
		if err != nil && authSvc != nil {
			client, err = authSvc.AuthenticateAPIKey(c.Context(), c.Get("X-API-Key"))
		}
		if err != nil {
			return c.Next()
		}

		limiter := funnel.NewDistributedRateLimiter(redisClient, "api:"+client.ID.String(), 10, 20)
		allowed, retryAfter, err := limiter.Allow(c.Context())
		if err != nil {
			logger.Error("rate limiting error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rate limiting error"})
		}
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}
		return c.Next()
	})
}
