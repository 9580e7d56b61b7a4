package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Namespaced keys for the records offq persists.
const (
	KeyQueue     = "offq/queue"
	KeyStats     = "offq/stats"
	KeyHistory   = "offq/history"
	KeyConflicts = "offq/conflicts"
)

// ErrNotFound is returned by Get when a key has never been written.
var ErrNotFound = errors.New("storage: key not found")

// ErrUnavailable reports that the backend refused the operation
// (quota exceeded, read-only, closed).
var ErrUnavailable = errors.New("storage: backend unavailable")

// KV is a minimal namespaced key-value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Outcome distinguishes a write that reached durable storage from one that
// only lives in memory for the rest of the session.
type Outcome int

const (
	// Persisted means the value was written to the backend.
	Persisted Outcome = iota
	// MemoryOnly means the backend rejected the write.
	MemoryOnly
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case MemoryOnly:
		return "memory-only"
	default:
		return "unknown"
	}
}

// Memory is an in-process KV. The zero value is not usable; call NewMemory.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements KV.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KV.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements KV.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailingKV wraps a KV and rejects writes (and optionally reads) while
// switched on. It simulates storage quota exhaustion in tests.
type FailingKV struct {
	KV

	mu        sync.Mutex
	failPuts  bool
	failGets  bool
	putFailed int
}

// NewFailingKV wraps inner. Both failure switches start off.
func NewFailingKV(inner KV) *FailingKV {
	return &FailingKV{KV: inner}
}

// FailPuts toggles write failures.
func (f *FailingKV) FailPuts(on bool) {
	f.mu.Lock()
	f.failPuts = on
	f.mu.Unlock()
}

// FailGets toggles read failures.
func (f *FailingKV) FailGets(on bool) {
	f.mu.Lock()
	f.failGets = on
	f.mu.Unlock()
}

// PutFailures returns how many writes were rejected so far.
func (f *FailingKV) PutFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putFailed
}

// Get implements KV.
func (f *FailingKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGets
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("get %s: %w", key, ErrUnavailable)
	}
	return f.KV.Get(ctx, key)
}

// Put implements KV.
func (f *FailingKV) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	if f.failPuts {
		f.putFailed++
		f.mu.Unlock()
		return fmt.Errorf("put %s: quota exceeded: %w", key, ErrUnavailable)
	}
	f.mu.Unlock()
	return f.KV.Put(ctx, key, value)
}
