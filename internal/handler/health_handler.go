package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/leadfoundry/batch-engine/internal/service"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

type HealthReporter interface {
	Health(ctx context.Context) (*service.HealthReport, error)
}

func RegisterHealthRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client, reporter HealthReporter) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(sqlDB, rdb, reporter))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(sqlDB *sql.DB, rdb *redis.Client, reporter HealthReporter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		pgErr := sqlDB.PingContext(ctx)
		redisErr := rdb.Ping(ctx).Err()

		pgStatus := "ok"
		if pgErr != nil {
			pgStatus = "down"
		}
		redisStatus := "ok"
		if redisErr != nil {
			redisStatus = "down"
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if pgErr != nil || redisErr != nil {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		resp := fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"postgres": pgStatus,
				"redis":    redisStatus,
			},
		}

		if reporter != nil && pgErr == nil {
			if health, err := reporter.Health(ctx); err == nil {
				resp["batches"] = fiber.Map{
					"total":               health.TotalBatches,
					"running":             health.RunningBatches,
					"activeSubscriptions": health.ActiveSubscriptions,
				}
			}
		}

		return c.Status(statusCode).JSON(resp)
	}
}
