package change

import (
	"iter"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// Entry is one row mutation reported under the payload's "change" list.
type Entry struct {
	Kind         string
	Schema       string
	Table        string
	NewValues    map[string]any
	OldKeyValues map[string]any
}

func (e Event) entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		root, ok := e.Root.(map[string]any)
		if !ok {
			return
		}
		items, ok := root["change"].([]any)
		if !ok {
			return
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if !yield(parseEntry(obj)) {
				return
			}
		}
	}
}

func parseEntry(obj map[string]any) Entry {
	entry := Entry{
		Kind:   stringField(obj, "kind"),
		Schema: stringField(obj, "schema"),
		Table:  stringField(obj, "table"),
	}
	entry.NewValues = columnMap(obj["columnnames"], obj["columnvalues"])
	if oldKeys, ok := obj["oldkeys"].(map[string]any); ok {
		entry.OldKeyValues = columnMap(oldKeys["keynames"], oldKeys["keyvalues"])
	}
	return entry
}

// columnMap accepts wal2json's parallel name/value arrays as well as a ready
// object of values.
func columnMap(names, values any) map[string]any {
	switch v := values.(type) {
	case map[string]any:
		return v
	case []any:
		nameList, _ := names.([]any)
		out := make(map[string]any, len(v))
		for idx, value := range v {
			if idx >= len(nameList) {
				break
			}
			name, ok := nameList[idx].(string)
			if !ok {
				continue
			}
			out[name] = value
		}
		return out
	default:
		return nil
	}
}

func stringField(obj map[string]any, key string) string {
	value, _ := obj[key].(string)
	return value
}

// Classify lazily yields one record per supported entry, in payload order.
// Entries whose kind is not insert, update or delete are dropped.
func Classify(ev Event, observedAt time.Time) iter.Seq2[connector.Operation, connector.Record] {
	return func(yield func(connector.Operation, connector.Record) bool) {
		for entry := range ev.entries() {
			record, ok := ClassifyEntry(entry, observedAt)
			if !ok {
				continue
			}
			if !yield(record.Operation, record) {
				return
			}
		}
	}
}

// ClassifyEntry maps one entry to a record. It reports false for unsupported kinds.
func ClassifyEntry(entry Entry, observedAt time.Time) (connector.Record, bool) {
	op, ok := connector.ParseOperation(entry.Kind)
	if !ok {
		return connector.Record{}, false
	}

	var data map[string]any
	switch op {
	case connector.OpInsert, connector.OpUpdate:
		data = entry.NewValues
	case connector.OpDelete:
		data = entry.OldKeyValues
	}
	if data == nil {
		data = map[string]any{}
	}

	return connector.Record{
		Operation:  op,
		Schema:     entry.Schema,
		Table:      entry.Table,
		Data:       data,
		ObservedAt: observedAt,
	}, true
}
