// Package pebblestore provides a Pebble-backed key-value store for offq.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"github.com/offq/offq/internal/storage"
)

// Options configures the Pebble store wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// NoSync skips the WAL fsync on each write. Writes then survive a process
	// crash but not a power loss.
	NoSync bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// KV wraps a Pebble database instance and implements storage.KV.
type KV struct {
	inner     *pebble.DB
	writeOpts *pebble.WriteOptions
}

var _ storage.KV = (*KV)(nil)

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*KV, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	return &KV{inner: inner, writeOpts: writeOpts}, nil
}

// Get implements storage.KV. The returned slice is a copy.
func (kv *KV) Get(_ context.Context, key string) ([]byte, error) {
	if kv.inner == nil {
		return nil, storage.ErrUnavailable
	}

	val, closer, err := kv.inner.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

// Put implements storage.KV.
func (kv *KV) Put(_ context.Context, key string, value []byte) error {
	if kv.inner == nil {
		return storage.ErrUnavailable
	}
	if err := kv.inner.Set([]byte(key), value, kv.writeOpts); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.KV.
func (kv *KV) Delete(_ context.Context, key string) error {
	if kv.inner == nil {
		return storage.ErrUnavailable
	}
	if err := kv.inner.Delete([]byte(key), kv.writeOpts); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Close closes the Pebble database.
func (kv *KV) Close() error {
	if kv == nil || kv.inner == nil {
		return nil
	}
	err := kv.inner.Close()
	kv.inner = nil
	return err
}
