package queue

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

// Store persists the queue as a single record. It applies no ordering or
// policy of its own.
type Store struct {
	records *storage.Records
	logger  zerolog.Logger
}

// NewStore creates a store over records.
func NewStore(records *storage.Records, logger zerolog.Logger) *Store {
	return &Store{
		records: records,
		logger:  logger.With().Str("component", "queue-store").Logger(),
	}
}

// Load returns the persisted queue. Any failure (missing record, unreadable
// backend, corrupt value) yields an empty queue.
func (s *Store) Load(ctx context.Context) []*schema.Mutation {
	var items []*schema.Mutation
	if err := s.records.Load(ctx, storage.KeyQueue, &items); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("failed to load queue, starting empty")
		}
		return []*schema.Mutation{}
	}

	// Drop entries that cannot be identified
	valid := items[:0]
	for _, m := range items {
		if m == nil || m.ID == "" {
			s.logger.Warn().Msg("skipping persisted mutation without id")
			continue
		}
		valid = append(valid, m)
	}
	return valid
}

// Save writes items. It never panics or aborts the caller: on failure it
// logs, returns MemoryOnly and the underlying error.
func (s *Store) Save(ctx context.Context, items []*schema.Mutation) (storage.Outcome, error) {
	if items == nil {
		items = []*schema.Mutation{}
	}
	if err := s.records.Save(ctx, storage.KeyQueue, items); err != nil {
		s.logger.Warn().Err(err).Int("mutations", len(items)).Msg("failed to persist queue, continuing in memory")
		return storage.MemoryOnly, err
	}
	return storage.Persisted, nil
}
