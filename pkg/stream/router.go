package stream

import (
	"context"
	"errors"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// Router sends each classified record to the sink category for its operation.
// It never retries.
type Router struct {
	Sink connector.Sink
}

// Write persists one record. Failures are always *connector.WriteError.
func (r *Router) Write(ctx context.Context, op connector.Operation, record connector.Record) (connector.WriteAck, error) {
	category, err := connector.CategoryFor(op)
	if err != nil {
		return connector.WriteAck{}, &connector.WriteError{Err: err}
	}
	if r == nil || r.Sink == nil {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("sink is required")}
	}

	ack, err := r.Sink.Write(ctx, category, record)
	if err != nil {
		if _, ok := connector.AsWriteError(err); ok {
			return ack, err
		}
		return ack, &connector.WriteError{Category: category, Name: ack.Name, Err: err}
	}
	if ack.Category == "" {
		ack.Category = category
	}
	return ack, nil
}

// Close releases the sink.
func (r *Router) Close(ctx context.Context) error {
	if r == nil || r.Sink == nil {
		return nil
	}
	return r.Sink.Close(ctx)
}
