package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/wire"
	nts "github.com/nats-io/nats.go"
	js "github.com/nats-io/nats.go/jetstream"
)

const (
	optURL           = "url"
	optSubjectPrefix = "subject_prefix"
	optStream        = "stream"
	optFormat        = "format"
	optWriteTimeout  = "write_timeout"

	defaultSubjectPrefix = "walsink."
	defaultWriteTimeout  = 30 * time.Second
)

type publisher interface {
	// Publish sends msg and returns a location once the server has it.
	Publish(ctx context.Context, msg *nts.Msg, msgID string) (string, error)
	Drain() error
}

type coreConn interface {
	PublishMsg(msg *nts.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// corePublisher publishes on a plain connection and flushes so the server has
// seen the message before Write returns. FlushWithContext rejects contexts
// without a deadline, so one is always set.
type corePublisher struct {
	conn    coreConn
	timeout time.Duration
}

func (p *corePublisher) Publish(ctx context.Context, msg *nts.Msg, _ string) (string, error) {
	if err := p.conn.PublishMsg(msg); err != nil {
		return "", err
	}
	ctx, cancel := withWriteTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush: %w", err)
	}
	return msg.Subject, nil
}

func (p *corePublisher) Drain() error {
	return p.conn.Drain()
}

// jetStreamPublisher waits for the stream's publish acknowledgment.
type jetStreamPublisher struct {
	conn *nts.Conn
	js   js.JetStream
}

func (p *jetStreamPublisher) Publish(ctx context.Context, msg *nts.Msg, msgID string) (string, error) {
	ack, err := p.js.PublishMsg(ctx, msg, js.WithMsgID(msgID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s#%d", ack.Stream, ack.Sequence), nil
}

func (p *jetStreamPublisher) Drain() error {
	return p.conn.Drain()
}

// Destination publishes one message per change, on one subject per category.
// When a stream is configured it publishes through JetStream and waits for the
// stream ack. The unit name is sent as the message id; it is unique per write,
// so a message redelivered after a restart is stored again.
type Destination struct {
	spec          connector.Spec
	pub           publisher
	subjectPrefix string
	codec         wire.Codec
	now           func() time.Time
	writeTimeout  time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (d *Destination) Open(ctx context.Context, spec connector.Spec) error {
	d.spec = spec
	d.subjectPrefix = strings.TrimSpace(spec.Options[optSubjectPrefix])
	if d.subjectPrefix == "" {
		d.subjectPrefix = defaultSubjectPrefix
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

	if d.pub != nil {
		return nil
	}

	url := strings.TrimSpace(spec.Options[optURL])
	if url == "" {
		url = nts.DefaultURL
	}
	conn, err := nts.Connect(url, nts.Name("walsink"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	stream := strings.TrimSpace(spec.Options[optStream])
	if stream == "" {
		d.pub = &corePublisher{conn: conn, timeout: d.writeTimeout}
		return nil
	}

	jetstream, err := js.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := jetstream.Stream(ctx, stream); err != nil {
		conn.Close()
		return fmt.Errorf("lookup stream %s: %w", stream, err)
	}
	d.pub = &jetStreamPublisher{conn: conn, js: jetstream}
	return nil
}

func (d *Destination) Write(ctx context.Context, category connector.Category, record connector.Record) (connector.WriteAck, error) {
	if d.pub == nil || d.codec == nil {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("nats destination not initialized")}
	}
	if record.ObservedAt.IsZero() {
		record.ObservedAt = d.now()
	}

	name := wire.UnitName(record.ObservedAt, d.codec.Extension())
	ack := connector.WriteAck{Category: category, Name: name}

	payload, err := d.codec.Encode(record.Document())
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}

	msg := nts.NewMsg(d.subjectFor(category))
	msg.Data = payload
	msg.Header.Set("Walsink-Operation", string(record.Operation))
	msg.Header.Set("Walsink-Table", qualifiedTable(record))
	msg.Header.Set("Content-Type", d.codec.ContentType())

	pubCtx, cancel := withWriteTimeout(ctx, d.writeTimeout)
	defer cancel()
	location, err := d.pub.Publish(pubCtx, msg, name)
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: fmt.Errorf("publish to %s: %w", msg.Subject, err)}
	}
	ack.Location = location
	return ack, nil
}

// Close drains the connection. Closing twice is a no-op.
func (d *Destination) Close(_ context.Context) error {
	d.closeOnce.Do(func() {
		if d.pub == nil {
			return
		}
		if err := d.pub.Drain(); err != nil {
			d.closeErr = fmt.Errorf("drain nats connection: %w", err)
		}
	})
	return d.closeErr
}

func (d *Destination) subjectFor(category connector.Category) string {
	return d.subjectPrefix + string(category)
}

// withWriteTimeout bounds ctx by timeout unless it already has a deadline.
func withWriteTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func parseWriteTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultWriteTimeout, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid nats write timeout %q", value)
	}
	return d, nil
}

func qualifiedTable(record connector.Record) string {
	if record.Schema == "" {
		return record.Table
	}
	return record.Schema + "." + record.Table
}
