package postgres

import (
	"context"
	"fmt"
	"strings"
)

// PreflightRequest describes the stream about to be opened.
type PreflightRequest struct {
	DSN        string
	Slot       string
	Plugin     string
	CreateSlot bool
	Options    map[string]string
}

// Preflight verifies that the server runs with wal_level=logical and that the
// slot is usable, so misconfiguration fails before replication starts.
func Preflight(ctx context.Context, req PreflightRequest) error {
	pool, err := NewPool(ctx, req.DSN, req.Options)
	if err != nil {
		return err
	}
	defer pool.Close()

	var walLevel string
	if err := pool.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("read wal_level: %w", err)
	}
	if err := checkWalLevel(walLevel); err != nil {
		return err
	}

	info, found, err := getReplicationSlot(ctx, pool, req.Slot)
	if err != nil {
		return err
	}
	return checkSlot(req, info, found)
}

func checkWalLevel(walLevel string) error {
	if !strings.EqualFold(strings.TrimSpace(walLevel), "logical") {
		return fmt.Errorf("wal_level must be logical (current: %s)", walLevel)
	}
	return nil
}

func checkSlot(req PreflightRequest, info ReplicationSlotInfo, found bool) error {
	if !found {
		if req.CreateSlot {
			return nil
		}
		return fmt.Errorf("replication slot %q does not exist (enable create_slot to create it)", req.Slot)
	}
	if req.Plugin != "" && info.Plugin != req.Plugin {
		return fmt.Errorf("replication slot %q uses plugin %s, expected %s", req.Slot, info.Plugin, req.Plugin)
	}
	if info.Active {
		if info.ActivePID != nil {
			return fmt.Errorf("replication slot %q is in use by pid %d", req.Slot, *info.ActivePID)
		}
		return fmt.Errorf("replication slot %q is in use", req.Slot)
	}
	if info.WalStatus == "lost" {
		return fmt.Errorf("replication slot %q has lost required WAL", req.Slot)
	}
	return nil
}
