// Package http exposes the operational HTTP surface: health, readiness,
// and runtime metrics.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"pipeline_server/adapter/in/worker"
	"pipeline_server/core/llm"
	"pipeline_server/core/service/ingest"
	"pipeline_server/infra/database"
)

type HealthHandler struct {
	db    *sqlx.DB
	redis *redis.Client
}

func NewHealthHandler(db *sqlx.DB, redis *redis.Client) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redis,
	}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check PostgreSQL
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// MetricsHandler reports pipeline counters and connection pool state.
type MetricsHandler struct {
	db       *sqlx.DB
	redis    *redis.Client
	ingest   *ingest.Service
	backfill *worker.BackfillScheduler
	model    *llm.Client
}

func NewMetricsHandler(
	db *sqlx.DB,
	redis *redis.Client,
	ingestSvc *ingest.Service,
	backfill *worker.BackfillScheduler,
	model *llm.Client,
) *MetricsHandler {
	return &MetricsHandler{
		db:       db,
		redis:    redis,
		ingest:   ingestSvc,
		backfill: backfill,
		model:    model,
	}
}

func (h *MetricsHandler) Register(app *fiber.App) {
	app.Get("/metrics", h.Metrics)
}

func (h *MetricsHandler) Metrics(c *fiber.Ctx) error {
	result := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.ingest != nil {
		result["ingest"] = h.ingest.Metrics()
	}
	if h.backfill != nil {
		result["backfill"] = h.backfill.Metrics()
	}
	if h.model != nil {
		result["model_circuit_open"] = h.model.IsCircuitOpen()
	}
	if h.db != nil {
		result["postgres_pool"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		result["redis_pool"] = database.GetRedisStats(h.redis)
	}

	return c.JSON(result)
}
