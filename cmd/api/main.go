package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleetfn/internal/api"
	"fleetfn/internal/auth"
	"fleetfn/internal/config"
	"fleetfn/internal/cost"
	"fleetfn/internal/db"
	"fleetfn/internal/driver"
	"fleetfn/internal/driver/localdriver"
	"fleetfn/internal/idempotency"
	"fleetfn/internal/lifecycle"
	"fleetfn/internal/observability"
	"fleetfn/internal/persistence"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting fleetfn debug API")

	ctx := context.Background()

	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer database.Close()
	if err := database.RunMigrations("internal/db/migrations"); err != nil {
		logger.Warn("run migrations", zap.Error(err))
	}

	var redisClient *persistence.RedisClient
	var idemp *idempotency.Store
	if cfg.RedisURL != "" {
		redisClient, err = persistence.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer redisClient.Close()
		idemp = idempotency.NewStore(redisClient, logger)
	}

	authService := auth.NewAuthService(database, logger)
	ledger := cost.NewLedger(database, logger)

	drv := localdriver.New(logger, cfg.ChildBinPath, cfg.NATSURL)

	driverCfg := driver.Config{
		Concurrency:               cfg.Concurrency,
		Mode:                      parseMode(cfg.Mode),
		Timeout:                   cfg.TimeoutSeconds,
		GC:                        cfg.GC,
		RetentionInDays:           cfg.RetentionInDays,
		MaxRetries:                cfg.MaxRetries,
		SpeculativeRetryThreshold: cfg.SpeculativeRetryThreshold,
	}

	instance, err := lifecycle.Initialize(ctx, cfg.ModulePath, lifecycle.Options{
		Driver:     drv,
		Config:     driverCfg,
		CacheDir:   cfg.CacheDir,
		CostLedger: ledger,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("initialize instance", zap.Error(err))
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	instance.OnStats(func(e lifecycle.FunctionStatsEvent) {
		avgSeconds := 0.0
		if e.Stats.ExecutionTime.Samples > 0 {
			avgSeconds = e.Stats.ExecutionTime.Mean / float64(time.Second)
		}
		metrics.Observe(e.Function, e.Counters.Invocations, e.Counters.Completed, e.Counters.Retries, e.Counters.Errors, 0, avgSeconds)
	})

	handlers := api.NewHandlers(logger, instance, idemp)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	var rawRedis *redis.Client
	if redisClient != nil {
		rawRedis = redisClient.Client
	}
	api.SetupRoutes(app, logger, metrics, handlers, authService, rawRedis)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
	}()
	logger.Info("fleetfn debug API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down fiber cleanly", zap.Error(err))
	}
	instance.Cleanup(shutdownCtx, lifecycle.DefaultCleanupOptions())
	logger.Info("fleetfn debug API stopped")
}

func parseMode(s string) driver.Mode {
	switch s {
	case "https":
		return driver.ModeHTTPS
	case "queue":
		return driver.ModeQueue
	default:
		return driver.ModeAuto
	}
}
