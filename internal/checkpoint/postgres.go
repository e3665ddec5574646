package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists checkpoints in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres checkpoint DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, slot string) (connector.Checkpoint, error) {
	row := p.pool.QueryRow(ctx, "SELECT slot, lsn, metadata, updated_at FROM walsink_checkpoints WHERE slot = $1", slot)
	item, err := scanSlotCheckpoint(row)
	if err != nil {
		return connector.Checkpoint{}, err
	}
	return item.Checkpoint, nil
}

func (p *PostgresStore) Put(ctx context.Context, slot string, checkpoint connector.Checkpoint) error {
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO walsink_checkpoints (slot, lsn, metadata, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (slot)
		 DO UPDATE SET lsn = EXCLUDED.lsn, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		slot, checkpoint.LSN, metadataJSON, checkpoint.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]connector.SlotCheckpoint, error) {
	rows, err := p.pool.Query(ctx, "SELECT slot, lsn, metadata, updated_at FROM walsink_checkpoints ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	items := make([]connector.SlotCheckpoint, 0)
	for rows.Next() {
		item, err := scanSlotCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return items, nil
}

func scanSlotCheckpoint(row pgx.Row) (connector.SlotCheckpoint, error) {
	var item connector.SlotCheckpoint
	var metadataJSON []byte

	if err := row.Scan(&item.Slot, &item.Checkpoint.LSN, &metadataJSON, &item.Checkpoint.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.SlotCheckpoint{}, ErrNotFound
		}
		return connector.SlotCheckpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	item.Checkpoint.Metadata = map[string]string{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &item.Checkpoint.Metadata); err != nil {
			return connector.SlotCheckpoint{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return item, nil
}
