// Package change decodes wal2json payloads and classifies the row changes they carry.
package change

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// Event is a decoded payload tree.
type Event struct {
	Root any
}

// Decode turns raw payload bytes into an Event. Failures are *connector.DecodeError.
func Decode(payload []byte) (Event, error) {
	if !utf8.Valid(payload) {
		return Event{}, &connector.DecodeError{Reason: "payload is not valid utf-8"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return Event{}, &connector.DecodeError{Reason: "malformed json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected trailing data")
		}
		return Event{}, &connector.DecodeError{Reason: "malformed json", Err: err}
	}

	return Event{Root: normalizeValue(root)}, nil
}
