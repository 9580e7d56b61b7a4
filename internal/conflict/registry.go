package conflict

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

// Registry holds the open conflicts, at most one per mutation, and persists
// them under storage.KeyConflicts.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*schema.Conflict
	byMutation map[string]string

	onSurface func(*schema.Conflict)

	records *storage.Records
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. records may be nil for a purely
// in-memory registry.
func NewRegistry(records *storage.Records, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:       make(map[string]*schema.Conflict),
		byMutation: make(map[string]string),
		records:    records,
		logger:     logger.With().Str("component", "conflicts").Logger(),
	}
}

// Load restores persisted conflicts. A missing or unreadable record leaves
// the registry empty.
func (r *Registry) Load(ctx context.Context) {
	if r.records == nil {
		return
	}

	var stored []*schema.Conflict
	if err := r.records.Load(ctx, storage.KeyConflicts, &stored); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn().Err(err).Msg("failed to load conflicts, starting empty")
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range stored {
		r.byID[c.ID] = c
		r.byMutation[c.MutationID] = c.ID
	}
}

// SetSurfaceHook registers fn to be called with each newly surfaced
// conflict, outside the registry's lock.
func (r *Registry) SetSurfaceHook(fn func(*schema.Conflict)) {
	r.mu.Lock()
	r.onSurface = fn
	r.mu.Unlock()
}

// Surface records c unless the mutation already has an open conflict.
// It reports whether c was added.
func (r *Registry) Surface(ctx context.Context, c *schema.Conflict) bool {
	r.mu.Lock()
	if _, exists := r.byMutation[c.MutationID]; exists {
		r.mu.Unlock()
		return false
	}
	r.byID[c.ID] = c
	r.byMutation[c.MutationID] = c.ID
	snapshot := r.listLocked()
	hook := r.onSurface
	r.mu.Unlock()

	r.logger.Info().
		Str("conflict", c.ID).
		Str("mutation", c.MutationID).
		Str("entity", c.EntityID).
		Time("remote_modified", c.RemoteVersion.Timestamp).
		Msg("conflict detected")
	r.persist(ctx, snapshot)
	if hook != nil {
		cp := *c
		hook(&cp)
	}
	return true
}

// HasOpen reports whether mutationID has an unresolved conflict.
func (r *Registry) HasOpen(mutationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byMutation[mutationID]
	return ok
}

// Get returns the conflict with the given id.
func (r *Registry) Get(id string) (*schema.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// List returns open conflicts, oldest detection first.
func (r *Registry) List() []*schema.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

// Len returns the number of open conflicts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Remove drops the conflict with the given id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byMutation, c.MutationID)
	snapshot := r.listLocked()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// Clear drops every conflict.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	r.byID = make(map[string]*schema.Conflict)
	r.byMutation = make(map[string]string)
	r.mu.Unlock()

	r.persist(ctx, nil)
}

func (r *Registry) listLocked() []*schema.Conflict {
	out := make([]*schema.Conflict, 0, len(r.byID))
	for _, c := range r.byID {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

func (r *Registry) persist(ctx context.Context, conflicts []*schema.Conflict) {
	if r.records == nil {
		return
	}
	if conflicts == nil {
		conflicts = []*schema.Conflict{}
	}
	if err := r.records.Save(ctx, storage.KeyConflicts, conflicts); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist conflicts, keeping them in memory")
	}
}
