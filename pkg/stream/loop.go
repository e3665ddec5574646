package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/internal/replication"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/change"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultIdleTimeout bounds each wait for the next message.
const DefaultIdleTimeout = 10 * time.Second

// State is the loop lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome reports what happened to one message.
type Outcome int

const (
	// OutcomeAcknowledged means every derived record was written and the position acknowledged.
	OutcomeAcknowledged Outcome = iota
	// OutcomeSkipped means the payload could not be decoded; its position was still acknowledged.
	OutcomeSkipped
	// OutcomeUnacknowledged means a write failed and the position was left unacknowledged.
	OutcomeUnacknowledged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnacknowledged:
		return "unacknowledged"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Loop reads messages from one replication session, writes the derived
// records and acknowledges positions. Messages are handled one at a time in
// delivery order.
type Loop struct {
	Opener   replication.Opener
	Identity replication.Identity
	Options  replication.Options
	Router   *Router
	// Checkpoints, when set, records every acknowledged position. Failures are logged only.
	Checkpoints connector.CheckpointStore
	Logger      zerolog.Logger
	Tracer      trace.Tracer
	Metrics     *Metrics
	IdleTimeout time.Duration
	Now         func() time.Time

	state atomic.Int32
	acked atomic.Uint64

	mu        sync.Mutex
	session   replication.Session
	closeOnce sync.Once
	closeErr  error
}

// Run opens the session and streams until ctx is cancelled. Cancellation is a
// clean stop and returns nil after the in-flight message finishes. Connect
// failures are returned as *connector.ConnectError.
func (l *Loop) Run(ctx context.Context) (err error) {
	if l.Opener == nil {
		return errors.New("replication opener is required")
	}
	if l.Router == nil {
		return errors.New("router is required")
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("loop cannot run from state %s", l.State())
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if closeErr := l.Close(cleanupCtx); closeErr != nil {
			l.Logger.Error().Err(closeErr).Msg("close failed")
			if err == nil {
				err = closeErr
			}
		}
	}()

	session, err := l.Opener.Open(ctx, l.Identity, l.Options)
	if err != nil {
		if _, ok := connector.AsConnectError(err); !ok {
			err = &connector.ConnectError{Stage: "open", Err: err}
		}
		l.Logger.Error().Err(err).Str("slot", l.Identity.Slot).Msg("connect failed")
		return err
	}
	l.mu.Lock()
	l.session = session
	l.mu.Unlock()

	l.state.Store(int32(StateStreaming))
	l.Logger.Info().
		Str("slot", l.Identity.Slot).
		Str("start_position", l.Options.StartPosition.String()).
		Msg("streaming started")

	idle := l.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	for {
		if ctx.Err() != nil {
			l.drain()
			return nil
		}

		msg, err := session.ReadMessage(ctx, idle)
		if err != nil {
			if ctx.Err() != nil {
				l.drain()
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if msg == nil {
			l.Logger.Debug().Dur("waited", idle).Msg("no message")
			continue
		}

		if _, err := l.HandleMessage(cleanupCtx, msg); err != nil {
			return err
		}
	}
}

func (l *Loop) drain() {
	l.state.Store(int32(StateDraining))
	l.Logger.Info().Msg("stop requested, draining")
}

// HandleMessage decodes, classifies and writes one message, then acknowledges
// its position unless a write failed. The returned error is reserved for
// acknowledgment failures, which mean the session is unusable.
func (l *Loop) HandleMessage(ctx context.Context, msg *replication.RawMessage) (Outcome, error) {
	ctx, span := l.tracer().Start(ctx, "stream.message",
		trace.WithAttributes(attribute.String("position", msg.Position.String())))
	defer span.End()

	observedAt := l.now()
	ev, err := change.Decode(msg.Payload)
	if err != nil {
		l.Metrics.decodeFailed(ctx)
		span.RecordError(err)
		l.Logger.Error().
			Err(err).
			Str("position", msg.Position.String()).
			Int("bytes", len(msg.Payload)).
			Msg("skipping undecodable message")
		return l.finish(ctx, span, msg.Position, OutcomeSkipped, 0)
	}

	written := 0
	for op, record := range change.Classify(ev, observedAt) {
		ack, err := l.Router.Write(ctx, op, record)
		if err != nil {
			category := ""
			if we, ok := connector.AsWriteError(err); ok {
				category = string(we.Category)
			}
			l.Metrics.writeFailed(ctx, category)
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			span.SetAttributes(attribute.Int("records", written), attribute.String("outcome", OutcomeUnacknowledged.String()))
			l.Logger.Error().
				Err(err).
				Str("position", msg.Position.String()).
				Str("operation", string(op)).
				Str("schema", record.Schema).
				Str("table", record.Table).
				Msg("write failed, position not acknowledged")
			return OutcomeUnacknowledged, nil
		}
		written++
		l.Metrics.recordWritten(ctx, string(ack.Category))
		l.Logger.Info().
			Str("operation", string(op)).
			Str("schema", record.Schema).
			Str("table", record.Table).
			Str("category", string(ack.Category)).
			Str("name", ack.Name).
			Msg("record written")
	}

	return l.finish(ctx, span, msg.Position, OutcomeAcknowledged, written)
}

func (l *Loop) finish(ctx context.Context, span trace.Span, pos replication.Position, outcome Outcome, written int) (Outcome, error) {
	span.SetAttributes(attribute.Int("records", written), attribute.String("outcome", outcome.String()))
	if err := l.acknowledge(ctx, pos); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acknowledge failed")
		return outcome, err
	}
	return outcome, nil
}

func (l *Loop) acknowledge(ctx context.Context, pos replication.Position) error {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return connector.ErrSessionClosed
	}
	if err := session.Acknowledge(ctx, pos); err != nil {
		return fmt.Errorf("acknowledge %s: %w", pos, err)
	}
	for {
		current := l.acked.Load()
		if uint64(pos) <= current || l.acked.CompareAndSwap(current, uint64(pos)) {
			break
		}
	}
	l.Metrics.acknowledged(ctx)

	if l.Checkpoints != nil {
		cp := connector.Checkpoint{
			LSN:       l.Acknowledged().String(),
			Timestamp: l.now(),
			Metadata:  map[string]string{"plugin": l.plugin()},
		}
		if err := l.Checkpoints.Put(ctx, l.Identity.Slot, cp); err != nil {
			l.Logger.Warn().Err(err).Str("position", cp.LSN).Msg("persist checkpoint failed")
		}
	}
	return nil
}

// Close releases the session and the sink. It is called by Run on exit and is
// safe to call more than once.
func (l *Loop) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		session := l.session
		l.mu.Unlock()

		var errs []error
		if session != nil {
			if err := session.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close session: %w", err))
			}
		}
		if l.Router != nil {
			if err := l.Router.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close sink: %w", err))
			}
		}
		l.closeErr = errors.Join(errs...)
		l.state.Store(int32(StateClosed))
		l.Logger.Info().Str("acknowledged", l.Acknowledged().String()).Msg("streaming stopped")
	})
	return l.closeErr
}

// State returns the current lifecycle phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Acknowledged returns the highest acknowledged position.
func (l *Loop) Acknowledged() replication.Position {
	return replication.Position(l.acked.Load())
}

func (l *Loop) plugin() string {
	if l.Options.Plugin == "" {
		return replication.DefaultPlugin
	}
	return l.Options.Plugin
}

func (l *Loop) tracer() trace.Tracer {
	if l.Tracer != nil {
		return l.Tracer
	}
	return otel.Tracer("walsink/stream")
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
