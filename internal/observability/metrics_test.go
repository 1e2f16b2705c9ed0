package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsOrchestratorCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncItemProcessed("STANDARD", "completed")
	metrics.IncItemProcessed("standard", "failed")
	metrics.ObserveItemDuration("standard", 120*time.Millisecond)
	metrics.IncWorkerInFlight("standard")
	metrics.DecWorkerInFlight("standard")
	metrics.IncRetryScheduled("standard")
	metrics.IncBatchFinalized("COMPLETED")

	if got := testutil.ToFloat64(metrics.itemsProcessedTotal.WithLabelValues("standard", "completed")); got != 1 {
		t.Fatalf("items_processed_total completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsProcessedTotal.WithLabelValues("standard", "failed")); got != 1 {
		t.Fatalf("items_processed_total failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retriesScheduledTotal.WithLabelValues("standard")); got != 1 {
		t.Fatalf("retries_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesFinalizedTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("batches_finalized_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.workerInflight.WithLabelValues("standard")); got != 0 {
		t.Fatalf("worker_inflight = %v, want 0", got)
	}
}

func TestMetricsProgressSubscriptionGauge(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	metrics.IncProgressSubscriptions()
	metrics.IncProgressSubscriptions()
	metrics.DecProgressSubscriptions()

	if got := testutil.ToFloat64(metrics.progressSubscriptions); got != 1 {
		t.Fatalf("progress_subscriptions = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
