// Package checkpoint keeps a ledger of acknowledged stream positions per slot.
// The replication slot stays the source of truth; the ledger is for operators.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// ErrNotFound is returned when no checkpoint exists for a slot.
var ErrNotFound = errors.New("checkpoint not found")

const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store is a closable checkpoint store.
type Store interface {
	connector.CheckpointStore
	Close() error
}

// Open returns the store for backend, or nil for "none".
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendSQLite:
		store, err := NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		store, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", backend)
	}
}
