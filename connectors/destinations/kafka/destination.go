package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/wire"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	optBrokers      = "brokers"
	optTopicPrefix  = "topic_prefix"
	optFormat       = "format"
	optCompression  = "compression"
	optAcks         = "acks"
	optWriteTimeout = "write_timeout"

	defaultTopicPrefix  = "walsink."
	defaultWriteTimeout = 30 * time.Second
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// Destination produces one Kafka record per change, on one topic per category.
type Destination struct {
	spec        connector.Spec
	client      producer
	topicPrefix string
	codec       wire.Codec
	now         func() time.Time

	// writeTimeout bounds each produce, including retries against an unreachable broker.
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.spec = spec
	d.topicPrefix = spec.Options[optTopicPrefix]
	if strings.TrimSpace(d.topicPrefix) == "" {
		d.topicPrefix = defaultTopicPrefix
	}
	if d.now == nil {
		d.now = time.Now
	}

	codec, err := wire.NewCodec(spec.Options[optFormat])
	if err != nil {
		return err
	}
	d.codec = codec
	d.writeTimeout, err = parseWriteTimeout(spec.Options[optWriteTimeout])
	if err != nil {
		return err
	}

	if d.client != nil {
		return nil
	}

	brokers := splitCSV(spec.Options[optBrokers])
	if len(brokers) == 0 {
		return errors.New("kafka brokers are required")
	}

	acks := parseAcks(spec.Options[optAcks])
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(acks),
		kgo.RecordDeliveryTimeout(d.writeTimeout),
	}
	if !isAllAcks(spec.Options[optAcks]) {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if compression := strings.ToLower(strings.TrimSpace(spec.Options[optCompression])); compression != "" {
		codec, err := parseCompression(compression)
		if err != nil {
			return err
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	d.client = client
	return nil
}

func (d *Destination) Write(ctx context.Context, category connector.Category, record connector.Record) (connector.WriteAck, error) {
	if d.client == nil || d.codec == nil {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("kafka destination not initialized")}
	}
	if record.ObservedAt.IsZero() {
		record.ObservedAt = d.now()
	}

	name := wire.UnitName(record.ObservedAt, d.codec.Extension())
	topic := d.topicFor(category)
	ack := connector.WriteAck{Category: category, Name: name}

	payload, err := d.codec.Encode(record.Document())
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}

	kr := &kgo.Record{
		Topic: topic,
		Key:   []byte(qualifiedTable(record)),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "walsink-operation", Value: []byte(record.Operation)},
			{Key: "walsink-unit", Value: []byte(name)},
			{Key: "content-type", Value: []byte(d.codec.ContentType())},
		},
		Timestamp: record.ObservedAt,
	}
	produceCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()
	produced, err := d.client.ProduceSync(produceCtx, kr).First()
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: fmt.Errorf("produce to %s: %w", topic, err)}
	}
	ack.Location = fmt.Sprintf("%s/%d@%d", produced.Topic, produced.Partition, produced.Offset)
	return ack, nil
}

// Close flushes buffered records and closes the client. Closing twice is a no-op.
func (d *Destination) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		if d.client == nil {
			return
		}
		if err := d.client.Flush(ctx); err != nil {
			d.closeErr = fmt.Errorf("flush kafka producer: %w", err)
		}
		d.client.Close()
	})
	return d.closeErr
}

func (d *Destination) topicFor(category connector.Category) string {
	return d.topicPrefix + string(category)
}

func qualifiedTable(record connector.Record) string {
	if record.Schema == "" {
		return record.Table
	}
	return record.Schema + "." + record.Table
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseWriteTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultWriteTimeout, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid kafka write timeout %q", value)
	}
	return d, nil
}

func parseCompression(value string) (kgo.CompressionCodec, error) {
	switch value {
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	case "none":
		return kgo.NoCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("unsupported kafka compression %q", value)
	}
}

func parseAcks(value string) kgo.Acks {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "0":
		return kgo.NoAck()
	case "leader", "1":
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}

func isAllAcks(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "0", "leader", "1":
		return false
	default:
		return true
	}
}
