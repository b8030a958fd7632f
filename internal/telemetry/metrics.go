// Package telemetry exposes pool health through OpenTelemetry instruments.
package telemetry

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/poolside/sqlpool/pool"
)

// Environment reports the deployment environment label for metric attributes.
func Environment() string {
	if env := strings.TrimSpace(os.Getenv("SQLPOOL_ENV")); env != "" {
		return env
	}
	return "prod"
}

// ObservePoolMetrics registers observable gauges that report pool occupancy.
// Gauges emit total, idle, active, and queued counts. Registration is a no-op
// when no meter provider is installed.
func ObservePoolMetrics(p *pool.Pool, poolName string) {
	if p == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = p.Name()
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", Environment()),
		attribute.String("db_pool", normalized),
	}

	meter := otel.Meter("sqlpool.pool")
	if _, err := meter.Int64ObservableGauge("sqlpool_sessions_total",
		metric.WithDescription("Total sessions (idle + active)"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(p.TotalCount()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("sqlpool_sessions_idle",
		metric.WithDescription("Idle sessions ready for hand-off"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(p.IdleCount()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("sqlpool_sessions_active",
		metric.WithDescription("Sessions currently lent to callers"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(p.ActiveCount()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
	if _, err := meter.Int64ObservableGauge("sqlpool_waiters_queued",
		metric.WithDescription("Acquisition requests parked in the waiter queue"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(p.QueuedCount()), metric.WithAttributes(attrs...))
			return nil
		}),
	); err != nil {
		return
	}
}
