package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	DefaultPlugin         = "wal2json"
	DefaultStatusInterval = 10 * time.Second
)

// DefaultPluginOptions are the wal2json options the stream starts with unless
// overridden.
func DefaultPluginOptions() []string {
	return []string{
		"pretty-print=1",
		"include-lsn=1",
		"include-xids=1",
		"include-timestamp=1",
	}
}

// PluginArgs renders key=value pairs as START_REPLICATION plugin arguments.
func PluginArgs(pairs []string) ([]string, error) {
	args := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid plugin option %q (expected key=value)", pair)
		}
		args = append(args, fmt.Sprintf(`"%s" '%s'`,
			strings.ReplaceAll(key, `"`, `""`),
			strings.ReplaceAll(strings.TrimSpace(value), `'`, `''`)))
	}
	return args, nil
}

// PostgresOpener opens logical replication sessions against a Postgres server.
type PostgresOpener struct {
	DSN string
	// Preflight runs before the replication connection is opened.
	Preflight func(ctx context.Context, identity Identity, options Options) error
	// ConnConfig can adjust the parsed connection config, e.g. to inject an
	// auth token.
	ConnConfig func(ctx context.Context, cfg *pgconn.Config) error
}

// Open connects in replication mode and issues START_REPLICATION for the slot.
func (o *PostgresOpener) Open(ctx context.Context, identity Identity, options Options) (Session, error) {
	if o.DSN == "" {
		return nil, &connector.ConnectError{Stage: "configure", Err: errors.New("postgres DSN is required")}
	}
	if identity.Slot == "" {
		return nil, &connector.ConnectError{Stage: "configure", Err: errors.New("replication slot is required")}
	}

	if o.Preflight != nil {
		if err := o.Preflight(ctx, identity, options); err != nil {
			return nil, &connector.ConnectError{Stage: "preflight", Err: err}
		}
	}

	cfg, err := pgconn.ParseConfig(o.DSN)
	if err != nil {
		return nil, &connector.ConnectError{Stage: "parse dsn", Err: err}
	}
	cfg.RuntimeParams["replication"] = "database"
	if o.ConnConfig != nil {
		if err := o.ConnConfig(ctx, cfg); err != nil {
			return nil, &connector.ConnectError{Stage: "configure auth", Err: err}
		}
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, &connector.ConnectError{Stage: "connect", Err: err}
	}

	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, &connector.ConnectError{Stage: "identify system", Err: err}
	}

	plugin := options.Plugin
	if plugin == "" {
		plugin = DefaultPlugin
	}
	if options.CreateSlot {
		_, err = pglogrepl.CreateReplicationSlot(ctx, conn, identity.Slot, plugin, pglogrepl.CreateReplicationSlotOptions{})
		if err != nil && !isSlotExistsErr(err) {
			_ = conn.Close(ctx)
			return nil, &connector.ConnectError{Stage: "create replication slot", Err: err}
		}
	}

	pluginArgs := options.PluginArgs
	if len(pluginArgs) == 0 {
		pluginArgs, err = PluginArgs(DefaultPluginOptions())
		if err != nil {
			_ = conn.Close(ctx)
			return nil, &connector.ConnectError{Stage: "configure", Err: err}
		}
	}

	if err := pglogrepl.StartReplication(ctx, conn, identity.Slot, options.StartPosition, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		_ = conn.Close(ctx)
		return nil, &connector.ConnectError{Stage: "start replication", Err: err}
	}

	session := newPostgresSession(conn, options.StatusInterval)
	session.send = func(ctx context.Context, update pglogrepl.StandbyStatusUpdate) error {
		return pglogrepl.SendStandbyStatusUpdate(ctx, conn, update)
	}
	return session, nil
}

type replicationConn interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Close(ctx context.Context) error
}

// PostgresSession reads wal2json messages from a started replication connection.
type PostgresSession struct {
	conn           replicationConn
	send           func(ctx context.Context, update pglogrepl.StandbyStatusUpdate) error
	now            func() time.Time
	statusInterval time.Duration
	nextStatus     time.Time
	acked          Position
	closed         bool
}

func newPostgresSession(conn replicationConn, statusInterval time.Duration) *PostgresSession {
	if statusInterval <= 0 {
		statusInterval = DefaultStatusInterval
	}
	s := &PostgresSession{
		conn:           conn,
		now:            time.Now,
		statusInterval: statusInterval,
	}
	s.nextStatus = s.now().Add(statusInterval)
	return s
}

// ReadMessage returns the next XLogData payload, answering keepalives and
// sending periodic status updates while it waits.
func (s *PostgresSession) ReadMessage(ctx context.Context, maxWait time.Duration) (*RawMessage, error) {
	if s.closed {
		return nil, connector.ErrSessionClosed
	}

	deadline := s.now().Add(maxWait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.now().Before(s.nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return nil, err
			}
		}

		if !s.now().Before(deadline) {
			return nil, nil
		}
		waitUntil := deadline
		if s.nextStatus.Before(waitUntil) {
			waitUntil = s.nextStatus
		}

		recvCtx, cancel := context.WithDeadline(ctx, waitUntil)
		rawMsg, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("receive message: %w", err)
		}

		msg, err := s.handle(ctx, rawMsg)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (s *PostgresSession) handle(ctx context.Context, rawMsg pgproto3.BackendMessage) (*RawMessage, error) {
	switch msg := rawMsg.(type) {
	case *pgproto3.ErrorResponse:
		return nil, fmt.Errorf("postgres error: %s", msg.Message)
	case *pgproto3.CopyData:
		return s.handleCopyData(ctx, msg.Data)
	default:
		return nil, nil
	}
}

func (s *PostgresSession) handleCopyData(ctx context.Context, data []byte) (*RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			if err := s.sendStatus(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return nil, fmt.Errorf("parse xlogdata: %w", err)
		}
		payload := make([]byte, len(xld.WALData))
		copy(payload, xld.WALData)

		return &RawMessage{
			Payload:    payload,
			Position:   xld.WALStart,
			ServerTime: xld.ServerTime,
		}, nil

	default:
		return nil, nil
	}
}

// Acknowledge advances the flush position and reports it to the server. The
// position never moves backwards.
func (s *PostgresSession) Acknowledge(ctx context.Context, pos Position) error {
	if s.closed {
		return connector.ErrSessionClosed
	}
	if pos > s.acked {
		s.acked = pos
	}
	return s.sendStatus(ctx)
}

// Close sends a final status update and closes the connection. Closing twice is a no-op.
func (s *PostgresSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	statusErr := s.sendStatus(ctx)
	return errors.Join(statusErr, s.conn.Close(ctx))
}

// sendStatus reports the acknowledged position for write, flush and apply.
// Unacknowledged data is never reported, since pglogrepl fills an empty flush
// position from the write position.
func (s *PostgresSession) sendStatus(ctx context.Context) error {
	s.nextStatus = s.now().Add(s.statusInterval)
	if s.send == nil {
		return nil
	}
	err := s.send(ctx, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.acked,
		WALFlushPosition: s.acked,
		WALApplyPosition: s.acked,
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	return nil
}

func isSlotExistsErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710"
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
