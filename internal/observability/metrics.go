package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and orchestrator flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	itemsProcessedTotal    *prometheus.CounterVec
	retriesScheduledTotal  *prometheus.CounterVec
	batchesFinalizedTotal  *prometheus.CounterVec
	itemProcessingDuration *prometheus.HistogramVec
	workerInflight         *prometheus.GaugeVec
	progressSubscriptions  prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		itemsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "items_processed_total",
				Help:      "Total number of batch items settled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "retries_scheduled_total",
				Help:      "Total number of items reset to pending for a later retry run.",
			},
			[]string{"mode"},
		),
		batchesFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "batches_finalized_total",
				Help:      "Total number of batches reaching a terminal status.",
			},
			[]string{"status"},
		),
		itemProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "item_processing_duration_seconds",
				Help:      "Per-item unit-of-work duration in seconds grouped by mode.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"mode"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "batch_engine",
				Name:      "worker_inflight",
				Help:      "Current number of items in PROCESSING grouped by mode.",
			},
			[]string{"mode"},
		),
		progressSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "batch_engine",
				Name:      "progress_subscriptions",
				Help:      "Current number of live progress subscriptions.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.itemsProcessedTotal,
		m.retriesScheduledTotal,
		m.batchesFinalizedTotal,
		m.itemProcessingDuration,
		m.workerInflight,
		m.progressSubscriptions,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncItemProcessed(mode string, outcome string) {
	if m == nil {
		return
	}
	outcomeLabel := strings.TrimSpace(strings.ToLower(outcome))
	if outcomeLabel == "" {
		outcomeLabel = "unknown"
	}
	m.itemsProcessedTotal.WithLabelValues(normalizeMode(mode), outcomeLabel).Inc()
}

func (m *Metrics) IncRetryScheduled(mode string) {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.WithLabelValues(normalizeMode(mode)).Inc()
}

func (m *Metrics) IncBatchFinalized(status string) {
	if m == nil {
		return
	}
	statusLabel := strings.TrimSpace(strings.ToLower(status))
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	m.batchesFinalizedTotal.WithLabelValues(statusLabel).Inc()
}

func (m *Metrics) ObserveItemDuration(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.itemProcessingDuration.WithLabelValues(normalizeMode(mode)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(mode string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeMode(mode)).Inc()
}

func (m *Metrics) DecWorkerInFlight(mode string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeMode(mode)).Dec()
}

func (m *Metrics) IncProgressSubscriptions() {
	if m == nil {
		return
	}
	m.progressSubscriptions.Inc()
}

func (m *Metrics) DecProgressSubscriptions() {
	if m == nil {
		return
	}
	m.progressSubscriptions.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeMode(mode string) string {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
