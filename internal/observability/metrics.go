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

	"linkops/internal/logging"
)

// MetricsCollector manages generation metrics. It implements
// generation.DriverMetrics; with metrics disabled every method is a no-op.
type MetricsCollector struct {
	meter  metric.Meter
	logger logging.Logger

	sessionsStarted metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
	subResults      metric.Int64Counter

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a metrics collector and, when a port is
// configured, starts the Prometheus scrape server.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	logger := logging.NewComponentLogger("Metrics")
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("linkops")

	sessionsStarted, err := meter.Int64Counter(
		"linkops.sessions.started.total",
		metric.WithDescription("Total generation sessions started"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_started counter: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"linkops.sessions.active",
		metric.WithDescription("Generation sessions currently executing"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	sessionDuration, err := meter.Float64Histogram(
		"linkops.session.duration",
		metric.WithDescription("Generation session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session_duration histogram: %w", err)
	}

	subResults, err := meter.Int64Counter(
		"linkops.subresults.total",
		metric.WithDescription("Total sub-results recorded"),
		metric.WithUnit("{subresult}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subresults counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:           meter,
		logger:          logger,
		sessionsStarted: sessionsStarted,
		sessionsActive:  sessionsActive,
		sessionDuration: sessionDuration,
		subResults:      subResults,
	}

	if config.PrometheusPort > 0 {
		if err := collector.startPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the Prometheus scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// SessionStarted implements generation.DriverMetrics.
func (m *MetricsCollector) SessionStarted(ctx context.Context, kind string) {
	if m.sessionsStarted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.sessionsStarted.Add(ctx, 1, attrs)
	m.sessionsActive.Add(ctx, 1, attrs)
}

// SessionFinished implements generation.DriverMetrics.
func (m *MetricsCollector) SessionFinished(ctx context.Context, kind string, status string, duration time.Duration) {
	if m.sessionsStarted == nil {
		return
	}
	kindAttr := metric.WithAttributes(attribute.String("kind", kind))
	m.sessionsActive.Add(ctx, -1, kindAttr)
	m.sessionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// SubResultRecorded implements generation.DriverMetrics.
func (m *MetricsCollector) SubResultRecorded(ctx context.Context, kind string) {
	if m.subResults == nil {
		return
	}
	m.subResults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
