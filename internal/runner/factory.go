package runner

import (
	"context"
	"fmt"

	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/file"
	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/kafka"
	natsdest "github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/nats"
	"github.com/Sampath005/postgres-to-s3-sync/connectors/destinations/s3"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// Factory builds sinks from specs.
type Factory struct {
	// Override replaces the built-in constructors, keyed by sink type.
	Override map[connector.EndpointType]func() connector.Sink
}

// Sink returns an unopened sink for spec.
func (f Factory) Sink(spec connector.Spec) (connector.Sink, error) {
	kind, err := connector.NormalizeEndpointType(string(spec.Type))
	if err != nil {
		return nil, err
	}
	if build, ok := f.Override[kind]; ok && build != nil {
		return build(), nil
	}
	switch kind {
	case connector.EndpointFile:
		return &file.Destination{}, nil
	case connector.EndpointS3:
		return &s3.Destination{}, nil
	case connector.EndpointKafka:
		return &kafka.Destination{}, nil
	case connector.EndpointNATS:
		return &natsdest.Destination{}, nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", spec.Type)
	}
}

// OpenSink builds and opens the sink for spec.
func (f Factory) OpenSink(ctx context.Context, spec connector.Spec) (connector.Sink, error) {
	sink, err := f.Sink(spec)
	if err != nil {
		return nil, err
	}
	if err := sink.Open(ctx, spec); err != nil {
		return nil, fmt.Errorf("open %s sink: %w", spec.Type, err)
	}
	return sink, nil
}
