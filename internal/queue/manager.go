package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/offq/offq/internal/conflict"
	"github.com/offq/offq/internal/retry"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

var (
	// ErrNotFound is returned when no queued mutation has the requested id.
	ErrNotFound = errors.New("queue: mutation not found")

	// ErrDuplicateID is returned by Enqueue when the id is already queued.
	ErrDuplicateID = errors.New("queue: duplicate mutation id")

	// ErrBusy is returned when an operation targets a mutation that is
	// currently being executed.
	ErrBusy = errors.New("queue: mutation is being processed")
)

// DefaultExecuteTimeout bounds a single executor call.
const DefaultExecuteTimeout = 30 * time.Second

// Config configures a Manager. Store is required; everything else has a
// usable zero value.
type Config struct {
	Store  *Store
	Policy retry.Policy

	// PreserveRetryCount keeps retry counts when RetryFailed requeues
	// failed mutations. By default they restart at zero.
	PreserveRetryCount bool

	ExecuteTimeout time.Duration

	Executor  Executor
	Snapshots SnapshotReader
	Detector  *conflict.Detector
	Conflicts ConflictSink

	Logger zerolog.Logger
	Now    func() time.Time
}

// Manager owns the queue. All methods are safe for concurrent use.
type Manager struct {
	mu              sync.Mutex
	items           []*schema.Mutation
	seq             map[string]uint64
	nextSeq         uint64
	processing      bool
	lastProcessedAt time.Time
	degraded        bool
	onChange        func(Status)

	store          *Store
	policy         retry.Policy
	resetRetries   bool
	executeTimeout time.Duration
	executor       Executor
	snapshots      SnapshotReader
	detector       *conflict.Detector
	conflicts      ConflictSink
	logger         zerolog.Logger
	now            func() time.Time

	flight singleflight.Group
}

// NewManager creates a manager and loads the persisted queue.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	if cfg.Policy.Base == 0 && cfg.Policy.Max == 0 && cfg.Policy.MaxRetries == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultExecuteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Snapshots != nil && cfg.Detector == nil {
		cfg.Detector = conflict.NewDetector()
	}

	m := &Manager{
		seq:            make(map[string]uint64),
		store:          cfg.Store,
		policy:         cfg.Policy,
		resetRetries:   !cfg.PreserveRetryCount,
		executeTimeout: cfg.ExecuteTimeout,
		executor:       cfg.Executor,
		snapshots:      cfg.Snapshots,
		detector:       cfg.Detector,
		conflicts:      cfg.Conflicts,
		logger:         cfg.Logger.With().Str("component", "queue").Logger(),
		now:            cfg.Now,
	}

	m.load(ctx)
	return m, nil
}

func (m *Manager) load(ctx context.Context) {
	loaded := m.store.Load(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, mut := range loaded {
		if _, dup := m.seq[mut.ID]; dup {
			m.logger.Warn().Str("mutation", mut.ID).Msg("dropping duplicate persisted mutation")
			continue
		}
		// A mutation left in processing means the process died mid-attempt
		if mut.Status == schema.StatusProcessing {
			mut.Status = schema.StatusPending
			restored++
		}
		m.assignSeqLocked(mut.ID)
		m.items = append(m.items, mut)
	}
	sort.SliceStable(m.items, func(i, j int) bool { return m.lessLocked(m.items[i], m.items[j]) })

	if restored > 0 {
		m.logger.Info().Int("count", restored).Msg("restored interrupted mutations to pending")
	}
	m.logger.Debug().Int("mutations", len(m.items)).Msg("queue loaded")
}

// SetChangeHook registers fn to be called after every change to the queue.
// fn runs outside the manager's lock.
func (m *Manager) SetChangeHook(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Enqueue adds mut to the queue and persists it. The stored copy is
// returned with its assigned id, status and priority.
func (m *Manager) Enqueue(ctx context.Context, mut *schema.Mutation) (*schema.Mutation, error) {
	if mut == nil {
		return nil, fmt.Errorf("queue: nil mutation")
	}
	if err := mut.Validate(); err != nil {
		return nil, fmt.Errorf("queue: invalid mutation: %w", err)
	}

	item := mut.Clone()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = m.now().UTC()
	}
	if item.Priority == 0 {
		item.Priority = schema.DefaultPriority(item.Kind)
	}
	item.Status = schema.StatusPending
	item.RetryCount = 0
	item.LastError = ""
	item.NextAttemptAt = nil

	m.mu.Lock()
	if _, exists := m.seq[item.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	m.insertLocked(item)
	m.persistLocked(ctx)
	out := item.Clone()
	m.mu.Unlock()

	m.logger.Debug().
		Str("mutation", out.ID).
		Str("kind", string(out.Kind)).
		Str("entity", out.EntityID).
		Int("priority", out.Priority).
		Msg("mutation enqueued")
	m.notify()
	return out, nil
}

// DequeueSucceeded removes the mutation after a successful remote write.
func (m *Manager) DequeueSucceeded(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.removeLocked(id); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.notify()
	return nil
}

// MarkFailed records a failed attempt. Permanent errors fail the mutation
// immediately. Other errors consume one retry; once the budget is spent the
// mutation becomes failed, otherwise it returns to pending and becomes
// eligible again after the backoff delay.
func (m *Manager) MarkFailed(ctx context.Context, id string, cause error) (*schema.Mutation, error) {
	m.mu.Lock()
	item := m.findLocked(id)
	if item == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if cause != nil {
		item.LastError = cause.Error()
	} else {
		item.LastError = "unknown error"
	}

	switch {
	case IsPermanent(cause):
		item.Status = schema.StatusFailed
		item.NextAttemptAt = nil
	default:
		item.RetryCount++
		if m.policy.ShouldGiveUp(item.RetryCount) {
			item.Status = schema.StatusFailed
			item.NextAttemptAt = nil
		} else {
			next := m.now().Add(m.policy.Delay(item.RetryCount - 1)).UTC()
			item.Status = schema.StatusPending
			item.NextAttemptAt = &next
		}
	}
	m.persistLocked(ctx)
	out := item.Clone()
	m.mu.Unlock()

	level := zerolog.WarnLevel
	if out.Status == schema.StatusPending {
		level = zerolog.DebugLevel
	}
	m.logger.WithLevel(level).
		Str("mutation", out.ID).
		Str("status", string(out.Status)).
		Int("retry_count", out.RetryCount).
		Str("error", out.LastError).
		Msg("mutation attempt failed")

	m.notify()
	return out, nil
}

// List returns copies of all queued mutations in processing order.
func (m *Manager) List() []*schema.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*schema.Mutation, len(m.items))
	for i, item := range m.items {
		out[i] = item.Clone()
	}
	return out
}

// Get returns a copy of the mutation with the given id.
func (m *Manager) Get(id string) (*schema.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.findLocked(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.Clone(), nil
}

// Clear discards every queued mutation in one step.
func (m *Manager) Clear(ctx context.Context) int {
	m.mu.Lock()
	n := len(m.items)
	m.items = nil
	m.seq = make(map[string]uint64)
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.logger.Info().Int("discarded", n).Msg("queue cleared")
	m.notify()
	return n
}

// RetryFailed moves every failed mutation back to pending and returns how
// many were moved.
func (m *Manager) RetryFailed(ctx context.Context) int {
	m.mu.Lock()
	n := 0
	for _, item := range m.items {
		if item.Status != schema.StatusFailed {
			continue
		}
		item.Status = schema.StatusPending
		item.NextAttemptAt = nil
		if m.resetRetries {
			item.RetryCount = 0
		}
		n++
	}
	if n > 0 {
		m.persistLocked(ctx)
	}
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info().Int("count", n).Msg("failed mutations requeued")
		m.notify()
	}
	return n
}

// Supersede atomically removes the mutation id and enqueues replacement in
// its place. It is how a resolved conflict re-enters the queue.
func (m *Manager) Supersede(ctx context.Context, id string, replacement *schema.Mutation) (*schema.Mutation, error) {
	if replacement == nil {
		return nil, fmt.Errorf("queue: nil replacement")
	}
	if err := replacement.Validate(); err != nil {
		return nil, fmt.Errorf("queue: invalid replacement: %w", err)
	}

	item := replacement.Clone()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Supersedes = id
	item.EnqueuedAt = m.now().UTC()
	if item.Priority == 0 {
		item.Priority = schema.DefaultPriority(item.Kind)
	}
	item.Status = schema.StatusPending
	item.RetryCount = 0
	item.LastError = ""
	item.NextAttemptAt = nil

	m.mu.Lock()
	original := m.findLocked(id)
	if original == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if original.Status == schema.StatusProcessing {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	if _, exists := m.seq[item.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
	}
	m.removeLocked(id)
	m.insertLocked(item)
	m.persistLocked(ctx)
	out := item.Clone()
	m.mu.Unlock()

	m.logger.Info().Str("mutation", id).Str("replacement", out.ID).Msg("mutation superseded")
	m.notify()
	return out, nil
}

// Acknowledge records that the user accepted the remote version modified at
// remoteAt, so detection ignores it from now on.
func (m *Manager) Acknowledge(ctx context.Context, id string, remoteAt time.Time) error {
	m.mu.Lock()
	item := m.findLocked(id)
	if item == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	at := remoteAt.UTC()
	item.AcknowledgedRemoteAt = &at
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.notify()
	return nil
}

// Status returns counts per status and processing information.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Degraded reports whether the last persistence attempt failed, leaving the
// queue held only in memory.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// HasPending reports whether any mutation is waiting to be processed,
// including ones still in backoff.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Status == schema.StatusPending {
			return true
		}
	}
	return false
}

// Eligible returns how many mutations the next pass would attempt right
// now: pending, out of backoff, and free of open conflicts.
func (m *Manager) Eligible() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if m.eligibleLocked(item, now) {
			n++
		}
	}
	return n
}

func (m *Manager) eligibleLocked(item *schema.Mutation, now time.Time) bool {
	if item.Status != schema.StatusPending {
		return false
	}
	if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
		return false
	}
	if m.conflicts != nil && m.conflicts.HasOpen(item.ID) {
		return false
	}
	return true
}

func (m *Manager) statusLocked() Status {
	s := countStatus(m.items)
	s.IsProcessing = m.processing
	s.LastProcessedAt = m.lastProcessedAt
	s.Degraded = m.degraded
	return s
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	s := m.statusLocked()
	m.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// persistLocked writes the queue and tracks the degraded flag. Failures are
// logged by the store and never reach the caller.
func (m *Manager) persistLocked(ctx context.Context) {
	outcome, _ := m.store.Save(ctx, m.items)

	wasDegraded := m.degraded
	m.degraded = outcome == storage.MemoryOnly
	switch {
	case m.degraded && !wasDegraded:
		m.logger.Error().Msg("queue persistence unavailable, running memory-only")
	case !m.degraded && wasDegraded:
		m.logger.Info().Msg("queue persistence recovered")
	}
}

func (m *Manager) assignSeqLocked(id string) {
	m.nextSeq++
	m.seq[id] = m.nextSeq
}

// lessLocked orders by priority descending, then enqueue time, then
// insertion sequence.
func (m *Manager) lessLocked(a, b *schema.Mutation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

func (m *Manager) insertLocked(item *schema.Mutation) {
	m.assignSeqLocked(item.ID)
	i := sort.Search(len(m.items), func(i int) bool { return m.lessLocked(item, m.items[i]) })
	m.items = append(m.items, nil)
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = item
}

func (m *Manager) findLocked(id string) *schema.Mutation {
	for _, item := range m.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (m *Manager) removeLocked(id string) (*schema.Mutation, bool) {
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			delete(m.seq, id)
			return item, true
		}
	}
	return nil, false
}
