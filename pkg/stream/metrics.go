package stream

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the loop counters. A nil *Metrics records nothing.
type Metrics struct {
	recordsWritten metric.Int64Counter
	decodeErrors   metric.Int64Counter
	writeErrors    metric.Int64Counter
	acks           metric.Int64Counter
}

// NewMetrics registers the loop counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.recordsWritten, err = meter.Int64Counter("walsink.records.written",
		metric.WithDescription("Records persisted by the sink"), metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("register records counter: %w", err)
	}
	if m.decodeErrors, err = meter.Int64Counter("walsink.decode.errors",
		metric.WithDescription("Messages skipped because the payload could not be decoded")); err != nil {
		return nil, fmt.Errorf("register decode error counter: %w", err)
	}
	if m.writeErrors, err = meter.Int64Counter("walsink.write.errors",
		metric.WithDescription("Records that failed to persist")); err != nil {
		return nil, fmt.Errorf("register write error counter: %w", err)
	}
	if m.acks, err = meter.Int64Counter("walsink.acks",
		metric.WithDescription("Stream positions acknowledged")); err != nil {
		return nil, fmt.Errorf("register ack counter: %w", err)
	}
	return &m, nil
}

func (m *Metrics) recordWritten(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.recordsWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) decodeFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1)
}

func (m *Metrics) writeFailed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.writeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) acknowledged(ctx context.Context) {
	if m == nil {
		return
	}
	m.acks.Add(ctx, 1)
}
