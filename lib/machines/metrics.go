package machines

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for machine lifecycle operations.
type Metrics struct {
	initDuration metric.Float64Histogram
	runDuration  metric.Float64Histogram
	moduleInits  metric.Int64Counter
	tracer       trace.Tracer
}

// newMachineMetrics creates and registers all machine metrics.
func newMachineMetrics(meter metric.Meter, tracer trace.Tracer, r *Registry) (*Metrics, error) {
	initDuration, err := meter.Float64Histogram(
		"vmman_machines_init_duration_seconds",
		metric.WithDescription("Time to initialize host resources for a machine"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"vmman_machines_run_duration_seconds",
		metric.WithDescription("Time to assemble arguments and start the hypervisor"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	moduleInits, err := meter.Int64Counter(
		"vmman_machines_module_inits_total",
		metric.WithDescription("Total number of module initializations by kind"),
	)
	if err != nil {
		return nil, err
	}

	machinesTotal, err := meter.Int64ObservableGauge(
		"vmman_machines_total",
		metric.WithDescription("Number of machine configurations discovered"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(machinesTotal, int64(len(r.machines)))
			return nil
		},
		machinesTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		initDuration: initDuration,
		runDuration:  runDuration,
		moduleInits:  moduleInits,
		tracer:       tracer,
	}, nil
}

// startSpan starts a span if a tracer is available.
func (m *Metrics) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// recordInit records the duration of a machine's Init.
func (m *Metrics) recordInit(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	recordDuration(ctx, m.initDuration, start, err)
}

// recordRun records the duration of a machine's Run.
func (m *Metrics) recordRun(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	recordDuration(ctx, m.runDuration, start, err)
}

func recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, err error) {
	histogram.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", statusOf(err))))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// recordModuleInit counts one module initialization.
func (m *Metrics) recordModuleInit(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	m.moduleInits.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", statusOf(err)),
		))
}
