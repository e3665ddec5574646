package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/connectors/sources/postgres"
	"github.com/Sampath005/postgres-to-s3-sync/internal/checkpoint"
	"github.com/Sampath005/postgres-to-s3-sync/internal/cli"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type slotRecord struct {
	SlotName     string `json:"slot_name"`
	Plugin       string `json:"plugin"`
	Database     string `json:"database"`
	Active       bool   `json:"active"`
	ActivePID    *int32 `json:"active_pid,omitempty"`
	WalStatus    string `json:"wal_status,omitempty"`
	RestartLSN   string `json:"restart_lsn"`
	ConfirmedLSN string `json:"confirmed_flush_lsn"`
}

type slotOutput struct {
	Count int          `json:"count"`
	Slots []slotRecord `json:"slots"`
}

type checkpointRecord struct {
	Slot      string            `json:"slot"`
	LSN       string            `json:"lsn"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "print json")
	cmd.Flags().Bool("pretty", false, "print indented json")
}

func newSlotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "list logical replication slots on the source",
		Args:  cobra.NoArgs,
		RunE:  listSlots,
	}
	cmd.Flags().String("slot", "", "show only this slot")
	addOutputFlags(cmd)
	return cmd
}

func newCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "print locally recorded acknowledgments",
		Args:  cobra.NoArgs,
		RunE:  showCheckpoints,
	}
	cmd.Flags().String("slot", "", "show only this slot")
	addCheckpointFlags(cmd)
	addOutputFlags(cmd)
	return cmd
}

func listSlots(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("dsn is required")
	}
	ctx := cmd.Context()
	slotName := cli.ResolveStringFlag(cmd, "slot")

	var infos []postgres.ReplicationSlotInfo
	if slotName != "" {
		info, ok, err := postgres.GetReplicationSlot(ctx, cfg.Postgres.DSN, slotName, cfg.SourceOptions())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("slot %q not found", slotName)
		}
		infos = append(infos, info)
	} else {
		infos, err = postgres.ListReplicationSlots(ctx, cfg.Postgres.DSN, cfg.SourceOptions())
		if err != nil {
			return err
		}
	}

	records := make([]slotRecord, 0, len(infos))
	for _, info := range infos {
		records = append(records, slotRecord{
			SlotName:     info.SlotName,
			Plugin:       info.Plugin,
			Database:     info.Database,
			Active:       info.Active,
			ActivePID:    info.ActivePID,
			WalStatus:    info.WalStatus,
			RestartLSN:   info.RestartLSN,
			ConfirmedLSN: info.ConfirmedLSN,
		})
	}
	if done, err := writeJSON(cmd, slotOutput{Count: len(records), Slots: records}); done {
		return err
	}
	return renderSlots(cmd.OutOrStdout(), records)
}

func renderSlots(w io.Writer, records []slotRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No replication slots found.")
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, item := range records {
		pid := "n/a"
		if item.ActivePID != nil {
			pid = strconv.Itoa(int(*item.ActivePID))
		}
		rows = append(rows, []string{
			item.SlotName,
			item.Plugin,
			item.Database,
			strconv.FormatBool(item.Active),
			pid,
			item.WalStatus,
			item.ConfirmedLSN,
		})
	}
	renderTextTable(w, []string{"SLOT", "PLUGIN", "DB", "ACTIVE", "ACTIVE_PID", "WAL_STATUS", "CONFIRMED_LSN"}, rows)
	return nil
}

func showCheckpoints(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := checkpoint.Open(ctx, cfg.Checkpoints.Backend, cfg.Checkpoints.DSN)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no checkpoint backend configured")
	}
	defer store.Close()

	var items []connector.SlotCheckpoint
	if slot := cli.ResolveStringFlag(cmd, "slot"); slot != "" {
		cp, err := store.Get(ctx, slot)
		if err != nil {
			return fmt.Errorf("checkpoint for %s: %w", slot, err)
		}
		items = append(items, connector.SlotCheckpoint{Slot: slot, Checkpoint: cp})
	} else {
		items, err = store.List(ctx)
		if err != nil {
			return err
		}
	}

	records := make([]checkpointRecord, 0, len(items))
	for _, item := range items {
		records = append(records, checkpointRecord{
			Slot:      item.Slot,
			LSN:       item.Checkpoint.LSN,
			UpdatedAt: item.Checkpoint.Timestamp,
			Metadata:  item.Checkpoint.Metadata,
		})
	}
	if done, err := writeJSON(cmd, records); done {
		return err
	}
	return renderCheckpoints(cmd.OutOrStdout(), records)
}

func renderCheckpoints(w io.Writer, records []checkpointRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No checkpoints recorded.")
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, item := range records {
		rows = append(rows, []string{item.Slot, item.LSN, item.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	renderTextTable(w, []string{"SLOT", "LSN", "UPDATED_AT"}, rows)
	return nil
}

// writeJSON encodes v when --json or --pretty is set and reports whether it did.
func writeJSON(cmd *cobra.Command, v any) (bool, error) {
	pretty := cli.ResolveBoolFlag(cmd, "pretty")
	if !pretty && !cli.ResolveBoolFlag(cmd, "json") {
		return false, nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return true, fmt.Errorf("encode json: %w", err)
	}
	return true, nil
}

func renderTextTable(w io.Writer, headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	header := make(table.Row, len(headers))
	for i, value := range headers {
		header[i] = value
	}
	t.AppendHeader(header)
	for _, rowValues := range rows {
		row := make(table.Row, len(rowValues))
		for i, value := range rowValues {
			row[i] = value
		}
		t.AppendRow(row)
	}
	t.Render()
}
