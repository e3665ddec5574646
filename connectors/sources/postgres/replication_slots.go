package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReplicationSlotInfo contains key fields for inspecting logical replication slots.
type ReplicationSlotInfo struct {
	SlotName     string
	SlotType     string
	Plugin       string
	Database     string
	Active       bool
	ActivePID    *int32
	WalStatus    string
	RestartLSN   string
	ConfirmedLSN string
	Temporary    bool
}

const slotColumns = `
  slot_name,
  plugin,
  slot_type,
  database,
  active,
  active_pid,
  coalesce(wal_status, ''),
  restart_lsn::text,
  confirmed_flush_lsn::text,
  temporary
FROM pg_replication_slots`

// ListReplicationSlots returns logical replication slot metadata from the source DB.
func ListReplicationSlots(ctx context.Context, dsn string, options map[string]string) ([]ReplicationSlotInfo, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := NewPool(ctx, dsn, options)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, "SELECT"+slotColumns+"\nWHERE slot_type = 'logical'\nORDER BY slot_name")
	if err != nil {
		return nil, fmt.Errorf("query replication slots: %w", err)
	}
	defer rows.Close()

	out := make([]ReplicationSlotInfo, 0)
	for rows.Next() {
		item, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replication slots: %w", err)
	}
	return out, nil
}

// GetReplicationSlot returns metadata for one logical slot.
func GetReplicationSlot(ctx context.Context, dsn, slot string, options map[string]string) (ReplicationSlotInfo, bool, error) {
	if dsn == "" {
		return ReplicationSlotInfo{}, false, errors.New("postgres dsn is required")
	}
	pool, err := NewPool(ctx, dsn, options)
	if err != nil {
		return ReplicationSlotInfo{}, false, err
	}
	defer pool.Close()
	return getReplicationSlot(ctx, pool, slot)
}

func getReplicationSlot(ctx context.Context, pool *pgxpool.Pool, slot string) (ReplicationSlotInfo, bool, error) {
	if slot == "" {
		return ReplicationSlotInfo{}, false, errors.New("slot name is required")
	}
	row := pool.QueryRow(ctx, "SELECT"+slotColumns+"\nWHERE slot_type = 'logical' AND slot_name = $1", slot)
	item, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReplicationSlotInfo{}, false, nil
		}
		return ReplicationSlotInfo{}, false, err
	}
	return item, true, nil
}

func scanSlot(row pgx.Row) (ReplicationSlotInfo, error) {
	var item ReplicationSlotInfo
	var activePID sql.NullInt32
	var restartLSN, confirmedLSN sql.NullString
	if err := row.Scan(
		&item.SlotName,
		&item.Plugin,
		&item.SlotType,
		&item.Database,
		&item.Active,
		&activePID,
		&item.WalStatus,
		&restartLSN,
		&confirmedLSN,
		&item.Temporary,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("scan replication slot: %w", err)
	}
	if activePID.Valid {
		pid := activePID.Int32
		item.ActivePID = &pid
	}
	if restartLSN.Valid {
		item.RestartLSN = restartLSN.String
	}
	if confirmedLSN.Valid {
		item.ConfirmedLSN = confirmedLSN.String
	}
	return item, nil
}
