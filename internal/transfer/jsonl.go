// Package transfer moves queued mutations in and out of JSONL files.
//
// Export writes one mutation per line, preserving its processing state, so a
// queue can be inspected, backed up or carried to another device. Import
// re-enqueues the lines into a queue, or fans them out into an inbox
// directory as individual {id}.json documents.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
)

// Enqueuer accepts mutations. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, error)
}

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun parses and validates without enqueueing or writing.
	DryRun bool

	// IncludeFailed also imports entries exported in failed status.
	// They are skipped by default so an import does not silently revive
	// writes the remote already rejected.
	IncludeFailed bool

	// Backup copies the input file next to itself before importing.
	Backup bool
}

// ImportResult summarizes an import.
type ImportResult struct {
	Read          int
	Imported      int
	Duplicates    int
	SkippedFailed int
	BackupCreated string
	Errors        []string
}

// Write encodes items as JSONL.
func Write(w io.Writer, items []*schema.Mutation) error {
	enc := json.NewEncoder(w)
	for _, m := range items {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("failed to encode mutation %s: %w", m.ID, err)
		}
	}
	return nil
}

// ExportFile writes items to path through a temporary file and a rename.
func ExportFile(path string, items []*schema.Mutation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := Write(bw, items); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to flush export: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close export: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Read decodes JSONL mutations. Every entry is validated; the first invalid
// line aborts with its line number.
func Read(r io.Reader) ([]*schema.Mutation, error) {
	var items []*schema.Mutation
	dec := json.NewDecoder(r)

	for line := 1; ; line++ {
		var m schema.Mutation
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid mutation at line %d: %w", line, err)
		}
		items = append(items, &m)
	}

	return items, nil
}

// ReadFile reads a JSONL file.
func ReadFile(path string) ([]*schema.Mutation, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Import enqueues every mutation in path. Queue-owned state (status,
// retry count, backoff) restarts from scratch; ids, kinds, payloads,
// priorities and enqueue times are kept. Ids already queued count as
// duplicates.
func Import(ctx context.Context, q Enqueuer, path string, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	items, err := prepare(path, opts, result)
	if err != nil {
		return nil, err
	}

	for _, m := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if opts.DryRun {
			result.Imported++
			continue
		}

		_, err := q.Enqueue(ctx, fresh(m))
		switch {
		case errors.Is(err, queue.ErrDuplicateID):
			result.Duplicates++
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("failed to enqueue %s: %v", m.ID, err))
		default:
			result.Imported++
		}
	}

	return result, nil
}

// ToInbox writes every mutation in path to dir as an individual document,
// for a running daemon to pick up.
func ToInbox(path, dir string, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	items, err := prepare(path, opts, result)
	if err != nil {
		return nil, err
	}

	for _, m := range items {
		if m.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("mutation for entity %s has no id", m.EntityID))
			continue
		}
		if !opts.DryRun {
			if err := schema.WriteMutationFile(dir, fresh(m)); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to write %s: %v", m.ID, err))
				continue
			}
		}
		result.Imported++
	}

	return result, nil
}

func prepare(path string, opts ImportOptions, result *ImportResult) ([]*schema.Mutation, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	items, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.Read = len(items)

	kept := items[:0]
	for _, m := range items {
		if m.Status == schema.StatusFailed && !opts.IncludeFailed {
			result.SkippedFailed++
			continue
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// fresh strips queue-owned processing state.
func fresh(m *schema.Mutation) *schema.Mutation {
	c := m.Clone()
	c.Status = ""
	c.RetryCount = 0
	c.LastError = ""
	c.NextAttemptAt = nil
	return c
}
