package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	messages []pgproto3.BackendMessage
	err      error
	closes   int
}

func (f *fakeConn) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		return msg, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close(context.Context) error {
	f.closes++
	return nil
}

func xlogFrame(start uint64, serverTime time.Time, data string) *pgproto3.CopyData {
	buf := make([]byte, 25+len(data))
	buf[0] = pglogrepl.XLogDataByteID
	binary.BigEndian.PutUint64(buf[1:], start)
	binary.BigEndian.PutUint64(buf[9:], start+uint64(len(data)))
	binary.BigEndian.PutUint64(buf[17:], uint64(serverTime.Sub(postgresEpoch).Microseconds()))
	copy(buf[25:], data)
	return &pgproto3.CopyData{Data: buf}
}

func keepaliveFrame(walEnd uint64, replyRequested bool) *pgproto3.CopyData {
	buf := make([]byte, 18)
	buf[0] = pglogrepl.PrimaryKeepaliveMessageByteID
	binary.BigEndian.PutUint64(buf[1:], walEnd)
	binary.BigEndian.PutUint64(buf[9:], 0)
	if replyRequested {
		buf[17] = 1
	}
	return &pgproto3.CopyData{Data: buf}
}

func newTestSession(conn *fakeConn) (*PostgresSession, *[]pglogrepl.StandbyStatusUpdate) {
	var updates []pglogrepl.StandbyStatusUpdate
	session := newPostgresSession(conn, time.Hour)
	session.send = func(_ context.Context, update pglogrepl.StandbyStatusUpdate) error {
		updates = append(updates, update)
		return nil
	}
	return session, &updates
}

func TestReadMessageReturnsXLogData(t *testing.T) {
	serverTime := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	conn := &fakeConn{messages: []pgproto3.BackendMessage{xlogFrame(0x16B2F48, serverTime, `{"change":[]}`)}}
	session, _ := newTestSession(conn)

	msg, err := session.ReadMessage(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected a message")
	}
	if msg.Position != Position(0x16B2F48) {
		t.Fatalf("unexpected position %s", msg.Position)
	}
	if string(msg.Payload) != `{"change":[]}` {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
	if !msg.ServerTime.Equal(serverTime) {
		t.Fatalf("expected server time %s, got %s", serverTime, msg.ServerTime)
	}
	if session.acked != 0 {
		t.Fatalf("reading must not acknowledge")
	}
}

func TestKeepaliveReplyReportsOnlyAcknowledgedPosition(t *testing.T) {
	conn := &fakeConn{messages: []pgproto3.BackendMessage{
		xlogFrame(100, postgresEpoch, "{}"),
		keepaliveFrame(500, true),
		xlogFrame(200, postgresEpoch, "{}"),
	}}
	session, updates := newTestSession(conn)
	ctx := context.Background()

	if _, err := session.ReadMessage(ctx, time.Second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := session.Acknowledge(ctx, 100); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msg, err := session.ReadMessage(ctx, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg == nil || msg.Position != 200 {
		t.Fatalf("expected message at 200, got %+v", msg)
	}

	if len(*updates) != 2 {
		t.Fatalf("expected ack and keepalive reply, got %d updates", len(*updates))
	}
	for _, update := range *updates {
		if update.WALFlushPosition != 100 || update.WALWritePosition != 100 || update.WALApplyPosition != 100 {
			t.Fatalf("status update reported unacknowledged data: %+v", update)
		}
	}
}

func TestReadMessageIdleReturnsNil(t *testing.T) {
	session, _ := newTestSession(&fakeConn{})

	start := time.Now()
	msg, err := session.ReadMessage(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("idle read should not fail: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected read to wait for the idle window")
	}
}

func TestReadMessageHonorsCancellation(t *testing.T) {
	session, _ := newTestSession(&fakeConn{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := session.ReadMessage(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadMessageSurfacesServerErrors(t *testing.T) {
	conn := &fakeConn{messages: []pgproto3.BackendMessage{&pgproto3.ErrorResponse{Message: "slot is active"}}}
	session, _ := newTestSession(conn)

	if _, err := session.ReadMessage(context.Background(), time.Second); err == nil {
		t.Fatalf("expected server error")
	}

	conn = &fakeConn{err: errors.New("connection reset")}
	session, _ = newTestSession(conn)
	if _, err := session.ReadMessage(context.Background(), time.Second); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	session, updates := newTestSession(&fakeConn{})
	ctx := context.Background()

	for _, pos := range []Position{100, 50, 300, 200} {
		if err := session.Acknowledge(ctx, pos); err != nil {
			t.Fatalf("ack %s: %v", pos, err)
		}
	}
	if session.acked != 300 {
		t.Fatalf("expected acknowledged 300, got %s", session.acked)
	}
	var last Position
	for _, update := range *updates {
		if update.WALFlushPosition < last {
			t.Fatalf("flush position moved backwards: %s after %s", update.WALFlushPosition, last)
		}
		last = update.WALFlushPosition
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	session, updates := newTestSession(conn)
	ctx := context.Background()

	if err := session.Acknowledge(ctx, 42); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if conn.closes != 1 {
		t.Fatalf("expected one connection close, got %d", conn.closes)
	}
	if last := (*updates)[len(*updates)-1]; last.WALFlushPosition != 42 {
		t.Fatalf("expected final status at 42, got %s", last.WALFlushPosition)
	}
	if _, err := session.ReadMessage(ctx, time.Millisecond); !errors.Is(err, connector.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := session.Acknowledge(ctx, 50); !errors.Is(err, connector.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on ack, got %v", err)
	}
}

func TestPluginArgs(t *testing.T) {
	args, err := PluginArgs(DefaultPluginOptions())
	if err != nil {
		t.Fatalf("plugin args: %v", err)
	}
	if len(args) != 4 || args[0] != `"pretty-print" '1'` {
		t.Fatalf("unexpected args %v", args)
	}

	args, err = PluginArgs([]string{" add-tables = public.users ", "", "note=it's"})
	if err != nil {
		t.Fatalf("plugin args: %v", err)
	}
	if args[0] != `"add-tables" 'public.users'` || args[1] != `"note" 'it''s'` {
		t.Fatalf("unexpected args %v", args)
	}

	if _, err := PluginArgs([]string{"no-value"}); err == nil {
		t.Fatalf("expected error for option without value")
	}
}

func TestOpenValidatesBeforeConnecting(t *testing.T) {
	ctx := context.Background()

	_, err := (&PostgresOpener{}).Open(ctx, Identity{Slot: "s"}, Options{})
	if ce, ok := connector.AsConnectError(err); !ok || ce.Stage != "configure" {
		t.Fatalf("expected configure ConnectError, got %v", err)
	}

	preflightErr := errors.New("wal_level is replica")
	opener := &PostgresOpener{
		DSN: "postgres://localhost/db",
		Preflight: func(context.Context, Identity, Options) error {
			return preflightErr
		},
	}
	_, err = opener.Open(ctx, Identity{Slot: "s"}, Options{})
	ce, ok := connector.AsConnectError(err)
	if !ok || ce.Stage != "preflight" {
		t.Fatalf("expected preflight ConnectError, got %v", err)
	}
	if !errors.Is(err, preflightErr) {
		t.Fatalf("expected preflight cause to be wrapped")
	}
}

func TestIsSlotExistsErr(t *testing.T) {
	if !isSlotExistsErr(&pgconn.PgError{Code: "42710"}) {
		t.Fatalf("expected duplicate_object to be detected")
	}
	if isSlotExistsErr(&pgconn.PgError{Code: "42704"}) {
		t.Fatalf("unexpected match for undefined_object")
	}
	if !isSlotExistsErr(errors.New(`replication slot "x" already exists`)) {
		t.Fatalf("expected message match")
	}
}
