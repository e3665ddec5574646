package nats

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	nts "github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

type fakePublisher struct {
	msgs   []*nts.Msg
	ids    []string
	err    error
	drains int
}

func (f *fakePublisher) Publish(_ context.Context, msg *nts.Msg, msgID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, msg)
	f.ids = append(f.ids, msgID)
	return "CDC#1", nil
}

func (f *fakePublisher) Drain() error {
	f.drains++
	return nil
}

func openDestination(t *testing.T, options map[string]string) (*Destination, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	dest := &Destination{pub: pub}
	if err := dest.Open(context.Background(), connector.Spec{Name: "nats", Type: connector.EndpointNATS, Options: options}); err != nil {
		t.Fatalf("open: %v", err)
	}
	return dest, pub
}

func TestWritePublishesToCategorySubject(t *testing.T) {
	dest, pub := openDestination(t, map[string]string{optSubjectPrefix: "cdc.", optFormat: "yaml"})
	record := connector.Record{
		Operation:  connector.OpInsert,
		Schema:     "public",
		Table:      "users",
		Data:       map[string]any{"id": int64(1)},
		ObservedAt: time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
	}

	ack, err := dest.Write(context.Background(), connector.CategoryInserts, record)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "cdc.inserts" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	if pub.ids[0] != ack.Name || !strings.HasSuffix(ack.Name, ".yaml") {
		t.Fatalf("expected unit name as message id, got %s / %s", pub.ids[0], ack.Name)
	}
	if ack.Location != "CDC#1" {
		t.Fatalf("unexpected location %s", ack.Location)
	}
	if msg.Header.Get("Walsink-Table") != "public.users" || msg.Header.Get("Walsink-Operation") != "insert" {
		t.Fatalf("unexpected headers %v", msg.Header)
	}

	var doc connector.Document
	if err := yaml.Unmarshal(msg.Data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Table != "users" || doc.Data["id"] != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestWriteFailureIsWriteError(t *testing.T) {
	dest, pub := openDestination(t, nil)
	pub.err = errors.New("no responders")

	_, err := dest.Write(context.Background(), connector.CategoryDeletes, connector.Record{Operation: connector.OpDelete})
	if we, ok := connector.AsWriteError(err); !ok || we.Category != connector.CategoryDeletes {
		t.Fatalf("expected WriteError, got %v", err)
	}
}

func TestCloseDrainsOnce(t *testing.T) {
	dest, pub := openDestination(t, nil)
	ctx := context.Background()
	_ = dest.Close(ctx)
	_ = dest.Close(ctx)
	if pub.drains != 1 {
		t.Fatalf("expected one drain, got %d", pub.drains)
	}
	if dest.subjectFor(connector.CategoryUpdates) != "walsink.updates" {
		t.Fatalf("unexpected default subject")
	}
}

type fakeConn struct {
	published []*nts.Msg
	flushes   int
}

func (f *fakeConn) PublishMsg(msg *nts.Msg) error {
	f.published = append(f.published, msg)
	return nil
}

// FlushWithContext mirrors the client's rule that a flush needs a deadline.
func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return nts.ErrNoDeadlineContext
	}
	f.flushes++
	return nil
}

func (f *fakeConn) Drain() error { return nil }

func TestCorePublisherFlushesWithoutCallerDeadline(t *testing.T) {
	conn := &fakeConn{}
	dest := &Destination{pub: &corePublisher{conn: conn, timeout: time.Second}}
	if err := dest.Open(context.Background(), connector.Spec{Type: connector.EndpointNATS, Options: map[string]string{optWriteTimeout: "2s"}}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if dest.writeTimeout != 2*time.Second {
		t.Fatalf("unexpected write timeout %s", dest.writeTimeout)
	}

	ctx := context.WithoutCancel(context.Background())
	ack, err := dest.Write(ctx, connector.CategoryInserts, connector.Record{Operation: connector.OpInsert, Table: "users"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if conn.flushes != 1 || len(conn.published) != 1 || ack.Location != "walsink.inserts" {
		t.Fatalf("expected one flushed publish, got %d flushes, %d messages, ack %+v", conn.flushes, len(conn.published), ack)
	}

	pub := &corePublisher{conn: conn}
	if _, err := pub.Publish(context.Background(), nts.NewMsg("walsink.updates"), ""); err != nil {
		t.Fatalf("publish without deadline: %v", err)
	}
}

func TestOpenRejectsBadWriteTimeout(t *testing.T) {
	dest := &Destination{pub: &fakePublisher{}}
	err := dest.Open(context.Background(), connector.Spec{Options: map[string]string{optWriteTimeout: "soon"}})
	if err == nil || !strings.Contains(err.Error(), "write timeout") {
		t.Fatalf("expected write timeout error, got %v", err)
	}
}
