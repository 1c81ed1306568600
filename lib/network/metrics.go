package network

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for link operations.
type Metrics struct {
	linkOperations metric.Int64Counter
	linkDuration   metric.Float64Histogram
}

// NewMetrics creates and registers the link metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	linkOperations, err := meter.Int64Counter(
		"vmman_network_link_operations_total",
		metric.WithDescription("Total number of host link operations"),
	)
	if err != nil {
		return nil, err
	}

	linkDuration, err := meter.Float64Histogram(
		"vmman_network_link_operation_duration_seconds",
		metric.WithDescription("Duration of host link operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		linkOperations: linkOperations,
		linkDuration:   linkDuration,
	}, nil
}

// instrumented wraps a LinkManager and records every call.
type instrumented struct {
	inner   LinkManager
	metrics *Metrics
}

// Instrument returns a LinkManager that records operation counts and
// durations. A nil meter returns inner unchanged.
func Instrument(inner LinkManager, meter metric.Meter) (LinkManager, error) {
	if meter == nil {
		return inner, nil
	}
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &instrumented{inner: inner, metrics: m}, nil
}

func (i *instrumented) record(ctx context.Context, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	i.metrics.linkOperations.Add(ctx, 1, attrs)
	i.metrics.linkDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (i *instrumented) CreateLink(ctx context.Context, spec LinkSpec) error {
	start := time.Now()
	err := i.inner.CreateLink(ctx, spec)
	i.record(ctx, "create_"+string(spec.Kind), start, err)
	return err
}

func (i *instrumented) DeleteLink(ctx context.Context, name string) error {
	start := time.Now()
	err := i.inner.DeleteLink(ctx, name)
	i.record(ctx, "delete", start, err)
	return err
}

func (i *instrumented) SetLinkUp(ctx context.Context, name string) error {
	start := time.Now()
	err := i.inner.SetLinkUp(ctx, name)
	i.record(ctx, "up", start, err)
	return err
}
