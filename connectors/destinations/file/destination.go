package file

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/wire"
	"github.com/spf13/afero"
)

const (
	optOutputDir = "output_dir"
	optFormat    = "format"
)

// Destination writes one document per record under <output_dir>/<category>/.
type Destination struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	spec  connector.Spec
	root  string
	codec wire.Codec
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

func (d *Destination) Open(_ context.Context, spec connector.Spec) error {
	d.spec = spec
	d.root = strings.TrimSpace(spec.Options[optOutputDir])
	if d.root == "" {
		d.root = "."
	}
	codec, err := wire.NewCodec(spec.Options[optFormat])
	if err != nil {
		return err
	}
	d.codec = codec
	if d.now == nil {
		d.now = time.Now
	}
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}

	for _, category := range connector.Categories() {
		if err := d.Fs.MkdirAll(filepath.Join(d.root, string(category)), 0o755); err != nil {
			return fmt.Errorf("create %s directory: %w", category, err)
		}
	}
	return nil
}

// Write stores the record atomically: the document is written to a temporary
// file, synced and renamed into place, so readers never see a partial unit.
func (d *Destination) Write(_ context.Context, category connector.Category, record connector.Record) (connector.WriteAck, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("file sink is closed")}
	}
	if d.codec == nil {
		return connector.WriteAck{}, &connector.WriteError{Category: category, Err: errors.New("file sink not initialized")}
	}

	if record.ObservedAt.IsZero() {
		record.ObservedAt = d.now()
	}
	name := wire.UnitName(record.ObservedAt, d.codec.Extension())
	ack := connector.WriteAck{Category: category, Name: name}

	payload, err := d.codec.Encode(record.Document())
	if err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}

	dir := filepath.Join(d.root, string(category))
	target := filepath.Join(dir, name)
	if err := writeAtomic(d.Fs, dir, target, payload); err != nil {
		return ack, &connector.WriteError{Category: category, Name: name, Err: err}
	}
	ack.Location = target
	return ack, nil
}

func writeAtomic(fs afero.Fs, dir, target string, payload []byte) (err error) {
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", target, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err = fs.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}

// Close marks the sink closed. Every write is already durable, so there is
// nothing to flush.
func (d *Destination) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
