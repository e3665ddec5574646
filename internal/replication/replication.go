package replication

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

// Position mirrors Postgres log sequence numbers. It is ordered and used only
// for acknowledgment.
type Position = pglogrepl.LSN

// ParsePosition parses the textual X/Y form of a position.
func ParsePosition(raw string) (Position, error) {
	return pglogrepl.ParseLSN(raw)
}

// RawMessage is one undecoded unit delivered by a Session.
type RawMessage struct {
	Payload    []byte
	Position   Position
	ServerTime time.Time
}

// Identity names the server-side stream the session attaches to.
type Identity struct {
	Slot string
}

// Options control how streaming starts.
type Options struct {
	Plugin         string
	PluginArgs     []string
	CreateSlot     bool
	StartPosition  Position
	StatusInterval time.Duration
}

// Session is a live replication stream. It is owned by a single goroutine.
type Session interface {
	// ReadMessage waits at most maxWait for the next message. A nil message
	// with a nil error means the wait elapsed with nothing to read.
	ReadMessage(ctx context.Context, maxWait time.Duration) (*RawMessage, error)
	Acknowledge(ctx context.Context, pos Position) error
	Close(ctx context.Context) error
}

// Opener establishes sessions. Failures are *connector.ConnectError.
type Opener interface {
	Open(ctx context.Context, identity Identity, options Options) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, identity Identity, options Options) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, identity Identity, options Options) (Session, error) {
	return f(ctx, identity, options)
}
