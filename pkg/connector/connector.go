package connector

import (
	"context"
	"fmt"
	"time"
)

// EndpointType identifies the sink implementation.
type EndpointType string

const (
	EndpointFile  EndpointType = "file"
	EndpointS3    EndpointType = "s3"
	EndpointKafka EndpointType = "kafka"
	EndpointNATS  EndpointType = "nats"
)

// Operation indicates the change type for a record.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation maps a decoded change kind to an Operation. Kinds outside
// insert, update and delete are reported as unsupported.
func ParseOperation(kind string) (Operation, bool) {
	switch Operation(kind) {
	case OpInsert, OpUpdate, OpDelete:
		return Operation(kind), true
	default:
		return "", false
	}
}

// Category is a destination namespace. Each operation writes to exactly one.
type Category string

const (
	CategoryInserts Category = "inserts"
	CategoryUpdates Category = "updates"
	CategoryDeletes Category = "deletes"
)

// Categories lists every destination namespace in a stable order.
func Categories() []Category {
	return []Category{CategoryInserts, CategoryUpdates, CategoryDeletes}
}

// CategoryFor returns the destination namespace for an operation.
func CategoryFor(op Operation) (Category, error) {
	switch op {
	case OpInsert:
		return CategoryInserts, nil
	case OpUpdate:
		return CategoryUpdates, nil
	case OpDelete:
		return CategoryDeletes, nil
	default:
		return "", fmt.Errorf("unsupported operation %q", op)
	}
}

// Spec defines a sink instance plus implementation-specific options.
type Spec struct {
	Name    string
	Type    EndpointType
	Options map[string]string
}

// Record is one classified row change, written once and then discarded.
type Record struct {
	Operation Operation
	Schema    string
	Table     string
	Data      map[string]any
	// ObservedAt is the capture time on this host, not the source commit time.
	ObservedAt time.Time
}

// Document is the self-describing unit persisted by every sink.
type Document struct {
	Operation string         `json:"operation" yaml:"operation"`
	Schema    string         `json:"schema" yaml:"schema"`
	Table     string         `json:"table" yaml:"table"`
	Data      map[string]any `json:"data" yaml:"data"`
	Timestamp string         `json:"timestamp" yaml:"timestamp"`
}

// Document renders the record as its sink unit.
func (r Record) Document() Document {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	return Document{
		Operation: string(r.Operation),
		Schema:    r.Schema,
		Table:     r.Table,
		Data:      data,
		Timestamp: FormatTimestamp(r.ObservedAt),
	}
}

// FormatTimestamp renders a capture time as YYYYMMDD_HHMMSS_ffffff.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Microsecond))
}

// WriteAck confirms that a record was durably written.
type WriteAck struct {
	Category Category
	Name     string
	Location string
}

// Sink persists classified records into one of the three categories.
type Sink interface {
	Open(ctx context.Context, spec Spec) error
	Write(ctx context.Context, category Category, record Record) (WriteAck, error)
	Close(ctx context.Context) error
}

// Checkpoint identifies the last acknowledged stream position.
type Checkpoint struct {
	LSN       string
	Timestamp time.Time
	Metadata  map[string]string
}

// SlotCheckpoint ties a checkpoint to a replication slot.
type SlotCheckpoint struct {
	Slot       string
	Checkpoint Checkpoint
}

// CheckpointStore records acknowledged positions for operator visibility and restarts.
type CheckpointStore interface {
	Get(ctx context.Context, slot string) (Checkpoint, error)
	Put(ctx context.Context, slot string, checkpoint Checkpoint) error
	List(ctx context.Context) ([]SlotCheckpoint, error)
}
