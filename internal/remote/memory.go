package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offq/offq/internal/schema"
)

// ErrInjected is the transient failure produced by SetFailureRate.
var ErrInjected = errors.New("remote: injected failure")

// Entity is one record held by MemoryStore.
type Entity struct {
	ID             string          `json:"id"`
	Value          json.RawMessage `json:"value,omitempty"`
	Version        string          `json:"version"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

// MemoryStore is an in-memory authoritative store. Applying the same
// mutation id twice is a no-op, so retries after a lost response are safe.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	applied  map[string]bool

	failureRate float64
	latency     time.Duration
	rand        *rand.Rand
	now         func() time.Time
}

var _ Client = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*Entity),
		applied:  make(map[string]bool),
		//nolint:gosec // failure injection is not security sensitive
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
}

// SetFailureRate makes Execute fail transiently with probability rate.
func (s *MemoryStore) SetFailureRate(rate float64) {
	s.mu.Lock()
	s.failureRate = rate
	s.mu.Unlock()
}

// SetLatency delays every Execute call by d.
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Ping always succeeds unless ctx is done.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Execute implements Executor.
func (s *MemoryStore) Execute(ctx context.Context, m *schema.Mutation) error {
	s.mu.RLock()
	latency := s.latency
	s.mu.RUnlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failureRate > 0 && s.rand.Float64() < s.failureRate {
		return ErrInjected
	}
	if s.applied[m.ID] {
		return nil
	}
	if err := s.applyLocked(m); err != nil {
		return err
	}
	s.applied[m.ID] = true
	return nil
}

func (s *MemoryStore) applyLocked(m *schema.Mutation) error {
	existing := s.entities[m.EntityID]

	switch m.Kind {
	case schema.KindAdd:
		if existing != nil {
			return Permanent(fmt.Errorf("%w: %s", ErrEntityExists, m.EntityID))
		}
		s.putLocked(m.EntityID, m.Payload)
	case schema.KindUpdate:
		// A replacement produced by conflict resolution may recreate an
		// entity that was deleted remotely
		if existing == nil && m.Supersedes == "" {
			return Permanent(fmt.Errorf("%w: %s", ErrEntityNotFound, m.EntityID))
		}
		s.putLocked(m.EntityID, m.Payload)
	case schema.KindMarkStatus:
		if existing == nil {
			return Permanent(fmt.Errorf("%w: %s", ErrEntityNotFound, m.EntityID))
		}
		merged, err := mergeObjects(existing.Value, m.Payload)
		if err != nil {
			return Permanent(err)
		}
		s.putLocked(m.EntityID, merged)
	case schema.KindDelete:
		delete(s.entities, m.EntityID)
	default:
		return Permanent(fmt.Errorf("%w: %s", ErrUnsupportedKind, m.Kind))
	}
	return nil
}

// GetCurrent implements SnapshotReader.
func (s *MemoryStore) GetCurrent(_ context.Context, entityID string) (*schema.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, nil
	}
	return &schema.Snapshot{
		EntityID:       e.ID,
		Value:          append(json.RawMessage(nil), e.Value...),
		LastModifiedAt: e.LastModifiedAt,
	}, nil
}

// Put writes value directly, as a third party editing the store would.
func (s *MemoryStore) Put(entityID string, value json.RawMessage) *Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.putLocked(entityID, value)
	cp := *e
	return &cp
}

// Get returns a copy of the entity.
func (s *MemoryStore) Get(entityID string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns every entity sorted by id.
func (s *MemoryStore) List() []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func (s *MemoryStore) putLocked(entityID string, value json.RawMessage) *Entity {
	e := &Entity{
		ID:             entityID,
		Value:          append(json.RawMessage(nil), value...),
		Version:        uuid.NewString(),
		LastModifiedAt: s.now().UTC(),
	}
	s.entities[entityID] = e
	return e
}

// mergeObjects overlays the top-level keys of patch onto base.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	out := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &out); err != nil {
			return patch, nil
		}
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("markStatus payload must be a JSON object: %w", err)
	}
	for k, v := range p {
		out[k] = v
	}
	return json.Marshal(out)
}
