// Package inbox turns mutation documents dropped into a directory into
// queued mutations.
//
// Producers write {id}.json files (see schema.WriteMutationFile) into the
// inbox directory. Each file is parsed, enqueued, and removed. Files that
// cannot be parsed or validated are moved to the rejected/ subdirectory so
// they are not retried forever.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
)

// RejectedDir is the subdirectory that receives unreadable documents.
const RejectedDir = "rejected"

// Enqueuer accepts mutations. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *schema.Mutation) (*schema.Mutation, error)
}

// ScanResult summarizes a directory scan.
type ScanResult struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Inbox ingests mutation files from one directory.
type Inbox struct {
	dir    string
	queue  Enqueuer
	logger zerolog.Logger
}

// New creates an inbox for dir. The directory is created if missing.
func New(dir string, q Enqueuer, logger zerolog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	return &Inbox{
		dir:    dir,
		queue:  q,
		logger: logger.With().Str("component", "inbox").Logger(),
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string { return in.dir }

// Ingest enqueues the mutation in path and removes the file. A file whose
// id is already queued counts as ingested. A missing file is not an error:
// write events often arrive after the file was already consumed.
func (in *Inbox) Ingest(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	m, err := schema.ReadMutationFile(path)
	if err != nil {
		in.reject(path, err)
		return false, err
	}

	duplicate := false
	queued, err := in.queue.Enqueue(ctx, m)
	switch {
	case errors.Is(err, queue.ErrDuplicateID):
		duplicate = true
	case err != nil:
		in.reject(path, err)
		return false, fmt.Errorf("failed to enqueue %s: %w", filepath.Base(path), err)
	default:
		in.logger.Info().
			Str("mutation", queued.ID).
			Str("kind", string(queued.Kind)).
			Str("entity", queued.EntityID).
			Msg("enqueued from inbox")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return duplicate, fmt.Errorf("failed to remove ingested file: %w", err)
	}
	return duplicate, nil
}

// Scan ingests every *.json file currently in the directory. Individual
// file failures are logged and counted but don't stop the scan.
func (in *Inbox) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return res, fmt.Errorf("failed to read inbox directory: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		dup, err := in.Ingest(ctx, filepath.Join(in.dir, entry.Name()))
		switch {
		case err != nil:
			res.Rejected++
		case dup:
			res.Duplicates++
		default:
			res.Accepted++
		}
	}

	if res.Accepted+res.Duplicates+res.Rejected > 0 {
		in.logger.Info().
			Int("accepted", res.Accepted).
			Int("duplicates", res.Duplicates).
			Int("rejected", res.Rejected).
			Msg("inbox scan complete")
	}
	return res, nil
}

// Run scans the directory once and then ingests files as they appear
// until ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	w, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Start(in.dir); err != nil {
		_ = w.Stop()
		return err
	}
	defer w.Stop()

	if _, err := in.Scan(ctx); err != nil {
		in.logger.Warn().Err(err).Msg("initial inbox scan failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if ev.Op == OpDelete {
				continue
			}
			if _, err := in.Ingest(ctx, ev.Path); err != nil {
				in.logger.Warn().Err(err).Str("file", filepath.Base(ev.Path)).Msg("inbox file rejected")
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			in.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (in *Inbox) reject(path string, cause error) {
	dest := filepath.Join(in.dir, RejectedDir)
	if err := os.MkdirAll(dest, 0755); err != nil {
		in.logger.Error().Err(err).Msg("failed to create rejected directory")
		return
	}
	if err := os.Rename(path, filepath.Join(dest, filepath.Base(path))); err != nil && !os.IsNotExist(err) {
		in.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("failed to move rejected file")
		return
	}
	in.logger.Debug().Err(cause).Str("file", filepath.Base(path)).Msg("moved to rejected")
}
