package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/leadfoundry/batch-engine/internal/config"
	"github.com/leadfoundry/batch-engine/internal/handler"
	"github.com/leadfoundry/batch-engine/internal/infra/postgresql"
	"github.com/leadfoundry/batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/leadfoundry/batch-engine/internal/infra/redis"
	"github.com/leadfoundry/batch-engine/internal/observability"
	"github.com/leadfoundry/batch-engine/internal/pricing"
	"github.com/leadfoundry/batch-engine/internal/progress"
	"github.com/leadfoundry/batch-engine/internal/provider"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"github.com/leadfoundry/batch-engine/internal/service"
	"github.com/leadfoundry/batch-engine/internal/transport"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broadcaster := progress.NewBroadcaster(
		cfg.ThrottleInterval(),
		cfg.StaleSubscriptionMaxAge(),
		logger,
		metrics,
	)
	go func() {
		if err := broadcaster.Run(ctx); err != nil {
			logger.Error("progress sweep loop stopped", zap.Error(err))
		}
	}()

	batchRepo := repository.NewGormBatchRepo(db)
	itemRepo := repository.NewGormItemRepo(db)
	leadRepo := repository.NewGormLeadRepo(db)

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.ProviderRatePerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	spendTracker, err := infraredis.NewSpendTracker(rdb)
	if err != nil {
		logger.Fatal("spend tracker initialization failed", zap.Error(err))
	}

	rateSource, err := pricing.NewRedisRateSource(rdb)
	if err != nil {
		logger.Fatal("rate source initialization failed", zap.Error(err))
	}
	rates := pricing.NewCachedRates(rateSource, 0)

	estimator, err := pricing.NewEstimator(rates, leadRepo, spendTracker, cfg.DailyBudget, logger)
	if err != nil {
		logger.Fatal("estimator initialization failed", zap.Error(err))
	}

	processor, err := provider.NewReportAPIProcessor(cfg.ReportAPIURL, cfg.ReportAPIKey)
	if err != nil {
		logger.Fatal("report processor initialization failed", zap.Error(err))
	}

	orchestrator, err := service.NewOrchestrator(
		batchRepo,
		itemRepo,
		leadRepo,
		processor,
		rateLimiter,
		broadcaster,
		spendTracker,
		cfg.ItemTimeout(),
		logger,
	)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}
	orchestrator.SetMetrics(metrics)

	batchService, err := service.NewBatchService(
		batchRepo,
		itemRepo,
		leadRepo,
		estimator,
		orchestrator,
		broadcaster,
		logger,
	)
	if err != nil {
		logger.Fatal("batch service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "batch-engine",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb, batchService)
	if err := handler.RegisterBatchRoutes(app, batchService); err != nil {
		logger.Fatal("batch route registration failed", zap.Error(err))
	}
	handler.RegisterProgressRoutes(app, broadcaster, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if err := app.Shutdown(); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("batch-engine api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
