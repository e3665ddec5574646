package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records  []*kgo.Record
	err      error
	flushes  int
	closes   int
	flushErr error
	// block holds every produce until the context is done, like an unreachable broker.
	block bool
}

func (f *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	if f.block {
		<-ctx.Done()
		for _, r := range rs {
			results = append(results, kgo.ProduceResult{Record: r, Err: ctx.Err()})
		}
		return results
	}
	for _, r := range rs {
		if f.err != nil {
			results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
			continue
		}
		r.Partition = 0
		r.Offset = int64(len(f.records))
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r})
	}
	return results
}

func (f *fakeProducer) Flush(context.Context) error {
	f.flushes++
	return f.flushErr
}

func (f *fakeProducer) Close() { f.closes++ }

func openDestination(t *testing.T, options map[string]string) (*Destination, *fakeProducer) {
	t.Helper()
	producer := &fakeProducer{}
	dest := &Destination{client: producer}
	if err := dest.Open(context.Background(), connector.Spec{Name: "kafka", Type: connector.EndpointKafka, Options: options}); err != nil {
		t.Fatalf("open: %v", err)
	}
	return dest, producer
}

func TestWriteProducesToCategoryTopic(t *testing.T) {
	dest, producer := openDestination(t, map[string]string{optTopicPrefix: "cdc."})
	record := connector.Record{
		Operation:  connector.OpUpdate,
		Schema:     "public",
		Table:      "users",
		Data:       map[string]any{"id": int64(7)},
		ObservedAt: time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
	}

	ack, err := dest.Write(context.Background(), connector.CategoryUpdates, record)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(producer.records) != 1 {
		t.Fatalf("expected one kafka record, got %d", len(producer.records))
	}
	kr := producer.records[0]
	if kr.Topic != "cdc.updates" || string(kr.Key) != "public.users" {
		t.Fatalf("unexpected topic/key %s/%s", kr.Topic, kr.Key)
	}
	if ack.Location != "cdc.updates/0@0" || ack.Category != connector.CategoryUpdates {
		t.Fatalf("unexpected ack %+v", ack)
	}

	var doc connector.Document
	if err := json.Unmarshal(kr.Value, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Operation != "update" || doc.Timestamp != "20240309_140507_000000" {
		t.Fatalf("unexpected document %+v", doc)
	}

	headers := map[string]string{}
	for _, h := range kr.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["walsink-operation"] != "update" || headers["walsink-unit"] != ack.Name {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestWriteDefaultsTopicPrefix(t *testing.T) {
	dest, producer := openDestination(t, nil)
	if _, err := dest.Write(context.Background(), connector.CategoryDeletes, connector.Record{Operation: connector.OpDelete, Table: "t"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if producer.records[0].Topic != "walsink.deletes" {
		t.Fatalf("unexpected topic %s", producer.records[0].Topic)
	}
}

func TestWriteFailureIsWriteError(t *testing.T) {
	dest, producer := openDestination(t, nil)
	producer.err = errors.New("not leader for partition")

	_, err := dest.Write(context.Background(), connector.CategoryInserts, connector.Record{Operation: connector.OpInsert})
	if we, ok := connector.AsWriteError(err); !ok || we.Category != connector.CategoryInserts {
		t.Fatalf("expected WriteError, got %v", err)
	}
}

func TestWriteGivesUpAfterWriteTimeout(t *testing.T) {
	dest, producer := openDestination(t, map[string]string{optWriteTimeout: "20ms"})
	producer.block = true

	done := make(chan error, 1)
	go func() {
		_, err := dest.Write(context.WithoutCancel(context.Background()), connector.CategoryUpdates, connector.Record{Operation: connector.OpUpdate})
		done <- err
	}()

	select {
	case err := <-done:
		we, ok := connector.AsWriteError(err)
		if !ok || we.Category != connector.CategoryUpdates || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected WriteError wrapping deadline, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("write did not return after its timeout")
	}
}

func TestCloseFlushesOnce(t *testing.T) {
	dest, producer := openDestination(t, nil)
	ctx := context.Background()
	if err := dest.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := dest.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if producer.flushes != 1 || producer.closes != 1 {
		t.Fatalf("expected one flush and close, got %d and %d", producer.flushes, producer.closes)
	}
}

func TestOptionParsing(t *testing.T) {
	if got := splitCSV(" a:9092, ,b:9092 "); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if _, err := parseCompression("brotli"); err == nil {
		t.Fatalf("expected compression error")
	}
	if d, err := parseWriteTimeout(""); err != nil || d != defaultWriteTimeout {
		t.Fatalf("unexpected default write timeout %s %v", d, err)
	}
	if _, err := parseWriteTimeout("-1s"); err == nil {
		t.Fatalf("expected write timeout error")
	}
	if isAllAcks("leader") || !isAllAcks("") || !isAllAcks("all") {
		t.Fatalf("unexpected acks classification")
	}
	if err := (&Destination{}).Open(context.Background(), connector.Spec{Options: map[string]string{}}); err == nil {
		t.Fatalf("expected missing brokers error")
	}
}
