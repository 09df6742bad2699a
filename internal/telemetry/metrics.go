package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/realtime"
)

// MetricsSink counts applications, rejections and events as they are
// delivered.
type MetricsSink struct {
	applied  metric.Int64Counter
	rejected metric.Int64Counter
	events   metric.Int64Counter
	lag      metric.Float64Histogram
	now      func() time.Time
}

// NewMetricsSink creates the instruments on meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	s := &MetricsSink{now: time.Now}
	var err error

	s.applied, err = meter.Int64Counter("statecore.commands.applied",
		metric.WithDescription("Commands applied to the owner, including ticks"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}
	s.rejected, err = meter.Int64Counter("statecore.commands.rejected",
		metric.WithDescription("Commands answered with a rejection"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}
	s.events, err = meter.Int64Counter("statecore.events",
		metric.WithDescription("Events emitted by the owner"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	s.lag, err = meter.Float64Histogram("statecore.delivery.lag",
		metric.WithDescription("Time from application to sink delivery"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Deliver implements realtime.Sink.
func (s *MetricsSink) Deliver(ctx context.Context, rec realtime.Applied) error {
	kind := attribute.String("command", string(rec.Command.Kind()))
	s.applied.Add(ctx, 1, metric.WithAttributes(kind))
	if r, ok := statecore.Rejected(rec.Events); ok {
		s.rejected.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("reason", string(r.Reason))))
	}
	for _, ev := range rec.Events {
		s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind()))))
	}
	if lag := s.now().Sub(rec.At); lag >= 0 {
		s.lag.Record(ctx, lag.Seconds())
	}
	return nil
}
