package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	_ "modernc.org/sqlite"
)

const (
	sqliteInitTable = `CREATE TABLE IF NOT EXISTS walsink_checkpoints (
  slot TEXT PRIMARY KEY,
  lsn TEXT NOT NULL,
  metadata TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`
	sqliteInitIndex = `CREATE INDEX IF NOT EXISTS walsink_checkpoints_updated_at_idx ON walsink_checkpoints (updated_at);`
)

// SQLiteStore persists checkpoints in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite checkpoint path is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", sqliteInitTable, sqliteInitIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite checkpoints: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, slot string) (connector.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT slot, lsn, metadata, updated_at FROM walsink_checkpoints WHERE slot = ?", slot)
	item, err := scanSQLiteCheckpoint(row)
	if err != nil {
		return connector.Checkpoint{}, err
	}
	return item.Checkpoint, nil
}

func (s *SQLiteStore) Put(ctx context.Context, slot string, checkpoint connector.Checkpoint) error {
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO walsink_checkpoints (slot, lsn, metadata, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		 lsn = excluded.lsn,
		 metadata = excluded.metadata,
		 updated_at = excluded.updated_at`,
		slot, checkpoint.LSN, string(metadataJSON), checkpoint.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]connector.SlotCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT slot, lsn, metadata, updated_at FROM walsink_checkpoints ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []connector.SlotCheckpoint{}
	for rows.Next() {
		item, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCheckpoint(row scanner) (connector.SlotCheckpoint, error) {
	var item connector.SlotCheckpoint
	var metadataJSON, updatedAt string
	if err := row.Scan(&item.Slot, &item.Checkpoint.LSN, &metadataJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return connector.SlotCheckpoint{}, ErrNotFound
		}
		return connector.SlotCheckpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	item.Checkpoint.Metadata = map[string]string{}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &item.Checkpoint.Metadata); err != nil {
			return connector.SlotCheckpoint{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if updatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			item.Checkpoint.Timestamp = parsed
		}
	}
	return item, nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
