package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/warpmetrics/warp-go/internal/telemetry"
)

const instrumentationName = "github.com/warpmetrics/warp-go/transport"

var tracer = telemetry.Tracer(instrumentationName)

// registerMetrics registers observable gauges for queue health. Instruments
// bind to whatever meter provider is global at construction time.
func (t *Transport) registerMetrics() {
	meter := telemetry.Meter(instrumentationName)

	_, _ = meter.Int64ObservableGauge("warpmetrics.queue.depth",
		metric.WithDescription("Events waiting to be delivered"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("warpmetrics.queue.dropped_total",
		metric.WithDescription("Events dropped because the queue was at capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(t.Dropped())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("warpmetrics.delivered_total",
		metric.WithDescription("Events accepted by the collector"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(t.delivered.Load())
			return nil
		}),
	)
}

func (t *Transport) recordFlush(ctx context.Context, n int, d time.Duration, err error) {
	meter := telemetry.Meter(instrumentationName)
	outcome := "ok"
	if _, limited := rateLimited(err); limited {
		outcome = "rate_limited"
	} else if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	if counter, cerr := meter.Int64Counter("warpmetrics.flush.events"); cerr == nil {
		counter.Add(ctx, int64(n), attrs)
	}
	if hist, herr := meter.Float64Histogram("warpmetrics.flush.duration", metric.WithUnit("ms")); herr == nil {
		hist.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}
