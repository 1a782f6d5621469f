// Package observability exposes the agent's runtime metrics over a
// Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"dpagent/internal/logging"
)

// Collector holds the agent's instruments. The zero value (from a disabled
// config) is safe to call; every record method no-ops when instruments are
// nil.
type Collector struct {
	meter metric.Meter

	taskLeases   metric.Int64Counter
	taskResults  metric.Int64Counter
	taskDuration metric.Float64Histogram

	rowsUploaded metric.Int64Counter

	browserContexts  metric.Int64UpDownCounter
	browserProcesses metric.Int64UpDownCounter

	keepaliveTouches metric.Int64Counter
	invalidations    metric.Int64Counter

	cookieQueueDepth   metric.Int64Gauge
	cookieQueueDropped metric.Int64Counter

	server *http.Server
	logger logging.Logger
}

// Config configures metrics collection. An empty Listen disables the scrape
// server but still registers instruments.
type Config struct {
	Enabled bool
	Listen  string
}

// NewCollector builds the instruments and, when configured, starts the
// scrape server.
func NewCollector(cfg Config, logger logging.Logger) (*Collector, error) {
	c := &Collector{logger: logging.OrNop(logger)}
	if !cfg.Enabled {
		return c, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	c.meter = provider.Meter("dpagent")

	if c.taskLeases, err = c.meter.Int64Counter(
		"dpagent.task.leases.total",
		metric.WithDescription("Tasks leased from the coordinator"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("create task_leases counter: %w", err)
	}
	if c.taskResults, err = c.meter.Int64Counter(
		"dpagent.task.results.total",
		metric.WithDescription("Per-product task results by status"),
		metric.WithUnit("{result}"),
	); err != nil {
		return nil, fmt.Errorf("create task_results counter: %w", err)
	}
	if c.taskDuration, err = c.meter.Float64Histogram(
		"dpagent.task.duration",
		metric.WithDescription("End to end task duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create task_duration histogram: %w", err)
	}
	if c.rowsUploaded, err = c.meter.Int64Counter(
		"dpagent.rows.uploaded.total",
		metric.WithDescription("Data rows uploaded to the coordinator"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, fmt.Errorf("create rows_uploaded counter: %w", err)
	}
	if c.browserContexts, err = c.meter.Int64UpDownCounter(
		"dpagent.browser.contexts.active",
		metric.WithDescription("Browser contexts currently held in the pool"),
		metric.WithUnit("{context}"),
	); err != nil {
		return nil, fmt.Errorf("create browser_contexts gauge: %w", err)
	}
	if c.browserProcesses, err = c.meter.Int64UpDownCounter(
		"dpagent.browser.processes.active",
		metric.WithDescription("Chrome processes currently live"),
		metric.WithUnit("{process}"),
	); err != nil {
		return nil, fmt.Errorf("create browser_processes gauge: %w", err)
	}
	if c.invalidations, err = c.meter.Int64Counter(
		"dpagent.auth.invalidations.total",
		metric.WithDescription("Account sessions reported invalid after a failed re-login"),
		metric.WithUnit("{account}"),
	); err != nil {
		return nil, fmt.Errorf("create invalidations counter: %w", err)
	}
	if c.keepaliveTouches, err = c.meter.Int64Counter(
		"dpagent.keepalive.touches.total",
		metric.WithDescription("Session keepalive touches by outcome"),
		metric.WithUnit("{touch}"),
	); err != nil {
		return nil, fmt.Errorf("create keepalive_touches counter: %w", err)
	}
	if c.cookieQueueDepth, err = c.meter.Int64Gauge(
		"dpagent.cookiequeue.depth",
		metric.WithDescription("Cookie upload queue depth"),
		metric.WithUnit("{envelope}"),
	); err != nil {
		return nil, fmt.Errorf("create cookiequeue_depth gauge: %w", err)
	}
	if c.cookieQueueDropped, err = c.meter.Int64Counter(
		"dpagent.cookiequeue.dropped.total",
		metric.WithDescription("Cookie envelopes dropped because the queue was full"),
		metric.WithUnit("{envelope}"),
	); err != nil {
		return nil, fmt.Errorf("create cookiequeue_dropped counter: %w", err)
	}

	if cfg.Listen != "" {
		c.serve(cfg.Listen)
	}
	return c, nil
}

func (c *Collector) serve(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.server = &http.Server{Addr: listen, Handler: mux}
	go func() {
		c.logger.Info("metrics listening on %s", listen)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server: %v", err)
		}
	}()
}

// Shutdown stops the scrape server.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordLease counts a task leased from the coordinator.
func (c *Collector) RecordLease(ctx context.Context, product string) {
	if c.taskLeases == nil {
		return
	}
	c.taskLeases.Add(ctx, 1, metric.WithAttributes(attribute.String("product", product)))
}

// RecordTaskResult counts a finished task and records its duration.
func (c *Collector) RecordTaskResult(ctx context.Context, product, status string, elapsed time.Duration) {
	if c.taskResults == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("product", product),
		attribute.String("status", status),
	)
	c.taskResults.Add(ctx, 1, attrs)
	c.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRowsUploaded counts rows delivered to the coordinator.
func (c *Collector) RecordRowsUploaded(ctx context.Context, product string, n int) {
	if c.rowsUploaded == nil || n <= 0 {
		return
	}
	c.rowsUploaded.Add(ctx, int64(n), metric.WithAttributes(attribute.String("product", product)))
}

// ContextOpened notes a browser context entering the pool.
func (c *Collector) ContextOpened(ctx context.Context) {
	if c.browserContexts == nil {
		return
	}
	c.browserContexts.Add(ctx, 1)
}

// ContextClosed notes a browser context leaving the pool.
func (c *Collector) ContextClosed(ctx context.Context) {
	if c.browserContexts == nil {
		return
	}
	c.browserContexts.Add(ctx, -1)
}

// ProcessStarted notes a Chrome process launch.
func (c *Collector) ProcessStarted(ctx context.Context) {
	if c.browserProcesses == nil {
		return
	}
	c.browserProcesses.Add(ctx, 1)
}

// ProcessStopped notes a Chrome process teardown.
func (c *Collector) ProcessStopped(ctx context.Context) {
	if c.browserProcesses == nil {
		return
	}
	c.browserProcesses.Add(ctx, -1)
}

// RecordInvalidation counts an account whose session was written off.
func (c *Collector) RecordInvalidation(ctx context.Context, product string) {
	if c.invalidations == nil {
		return
	}
	c.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("product", product)))
}

// RecordKeepalive counts a keepalive touch by outcome.
func (c *Collector) RecordKeepalive(ctx context.Context, ok bool) {
	if c.keepaliveTouches == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.keepaliveTouches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCookieQueue publishes the queue depth and any drops since the last
// observation.
func (c *Collector) RecordCookieQueue(ctx context.Context, depth int, dropped int64) {
	if c.cookieQueueDepth == nil {
		return
	}
	c.cookieQueueDepth.Record(ctx, int64(depth))
	if dropped > 0 {
		c.cookieQueueDropped.Add(ctx, dropped)
	}
}
