// Package coordinator drives queue processing from connectivity changes and
// user requests, and publishes sync state, statistics and history.
//
// The coordinator is a small state machine:
//
//	idle ──cycle start──► syncing ──0 failures──► synced ──display window──► idle
//	                         │
//	                         └──≥1 failure──► failed ──display window──► idle
//
// Going offline forces idle at any time. The synced and failed states are
// informational; they never change queue contents.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/offq/offq/internal/conflict"
	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

// State is the coordinator's display state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

// DefaultDisplayWindow is how long synced or failed is shown before the
// coordinator returns to idle.
const DefaultDisplayWindow = 3 * time.Second

// ErrOffline is returned when a sync is requested while offline.
var ErrOffline = errors.New("coordinator: offline")

// Config configures a Coordinator. Queue is required.
type Config struct {
	Queue     *queue.Manager
	Conflicts *conflict.Registry

	// Records persists stats and history. Nil keeps them in memory.
	Records *storage.Records

	DisplayWindow time.Duration
	HistoryLimit  int

	// StartOffline makes the coordinator start in offline mode.
	StartOffline bool

	Logger zerolog.Logger
	Now    func() time.Time
}

// Status is a snapshot of everything the coordinator publishes.
type Status struct {
	State     State        `json:"state"`
	Online    bool         `json:"online"`
	Queue     queue.Status `json:"queue"`
	Stats     Stats        `json:"stats"`
	Conflicts int          `json:"conflicts"`
}

// Coordinator owns sync state, stats, history and the conflict lifecycle.
type Coordinator struct {
	mu         sync.Mutex
	state      State
	online     bool
	stats      Stats
	history    *history
	revert     *time.Timer
	generation uint64

	queue         *queue.Manager
	conflicts     *conflict.Registry
	records       *storage.Records
	displayWindow time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	observers observers
	cycles    singleflight.Group
}

// New creates a coordinator, restores persisted stats, history and
// conflicts, and hooks into queue and conflict notifications.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("coordinator: queue is required")
	}
	if cfg.Conflicts == nil {
		cfg.Conflicts = conflict.NewRegistry(cfg.Records, cfg.Logger)
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = DefaultDisplayWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "coordinator").Logger()
	c := &Coordinator{
		state:         StateIdle,
		online:        !cfg.StartOffline,
		history:       newHistory(cfg.HistoryLimit),
		queue:         cfg.Queue,
		conflicts:     cfg.Conflicts,
		records:       cfg.Records,
		displayWindow: cfg.DisplayWindow,
		logger:        logger,
		now:           cfg.Now,
		observers:     observers{logger: logger},
	}

	c.load(ctx)
	c.conflicts.Load(ctx)

	c.queue.SetChangeHook(func(s queue.Status) {
		c.emit(Event{Kind: EventQueueChange, Queue: &s})
	})
	c.conflicts.SetSurfaceHook(func(cf *schema.Conflict) {
		c.record("conflictDetected", fmt.Sprintf("mutation %s entity %s", cf.MutationID, cf.EntityID))
		c.emit(Event{Kind: EventConflictDetected, Conflict: cf})
	})

	return c, nil
}

func (c *Coordinator) load(ctx context.Context) {
	if c.records == nil {
		return
	}

	var stats Stats
	if err := c.records.Load(ctx, storage.KeyStats, &stats); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("failed to load sync stats, starting fresh")
		}
	} else {
		c.stats = stats
	}

	var entries []HistoryEntry
	if err := c.records.Load(ctx, storage.KeyHistory, &entries); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("failed to load sync history, starting fresh")
		}
	} else {
		c.history.restore(entries)
	}
}

// Close stops the display timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
}

// Subscribe registers h for events of kind and returns a function that
// removes the subscription.
func (c *Coordinator) Subscribe(kind EventKind, h Handler) func() {
	return c.observers.subscribe(kind, h)
}

// State returns the current display state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online reports whether the coordinator believes the remote is reachable.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Stats returns a copy of the sync statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.clone()
}

// History returns the recorded events, oldest first.
func (c *Coordinator) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.list()
}

// Status returns a combined snapshot.
func (c *Coordinator) Status() Status {
	qs := c.queue.Status()
	n := c.conflicts.Len()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Online:    c.online,
		Queue:     qs,
		Stats:     c.stats.clone(),
		Conflicts: n,
	}
}

// SetOnline records a connectivity change. Going offline forces idle and
// suspends automatic processing. Coming back online starts a cycle right
// away when mutations are waiting.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	if !online {
		c.stopRevertLocked()
		c.state = StateIdle
	}
	detail := "offline"
	if online {
		detail = "online"
	}
	c.addHistoryLocked("connectionChange", detail)
	state := c.state
	c.mu.Unlock()

	c.logger.Info().Bool("online", online).Msg("connectivity changed")
	c.persistHistory(ctx)
	c.emit(Event{Kind: EventConnectionChange, State: state, Online: online})

	if online && c.queue.Eligible() > 0 {
		if _, err := c.TriggerSync(ctx); err != nil && !errors.Is(err, ErrOffline) {
			c.logger.Warn().Err(err).Msg("sync after reconnect failed")
		}
	}
}

// TriggerSync runs one processing cycle now. Concurrent calls share the
// cycle in flight. It returns ErrOffline when offline.
func (c *Coordinator) TriggerSync(ctx context.Context) (queue.Result, error) {
	v, err, _ := c.cycles.Do("cycle", func() (any, error) {
		return c.cycle(ctx)
	})
	if err != nil {
		return queue.Result{}, err
	}
	return v.(queue.Result), nil
}

// RetrySync requeues every failed mutation and then runs a cycle.
func (c *Coordinator) RetrySync(ctx context.Context) (queue.Result, error) {
	if !c.Online() {
		return queue.Result{}, ErrOffline
	}
	if n := c.queue.RetryFailed(ctx); n > 0 {
		c.record("retryFailed", fmt.Sprintf("%d mutations requeued", n))
	}
	return c.TriggerSync(ctx)
}

func (c *Coordinator) cycle(ctx context.Context) (queue.Result, error) {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return queue.Result{}, ErrOffline
	}
	c.mu.Unlock()

	// Nothing to attempt: leave state and stats alone
	if c.queue.Eligible() == 0 {
		return queue.Result{}, nil
	}

	c.mu.Lock()
	c.stopRevertLocked()
	c.state = StateSyncing
	c.addHistoryLocked(string(EventSyncStart), "")
	c.mu.Unlock()

	c.emit(Event{Kind: EventSyncStart})

	res := c.queue.Process(ctx)

	c.mu.Lock()
	recorded := c.stats.Record(res, c.now().UTC())
	kind := EventSyncComplete
	next := StateSynced
	if res.Failed > 0 {
		kind = EventSyncFailed
		next = StateFailed
	}
	if c.online {
		c.state = next
		c.scheduleRevertLocked()
	}
	c.addHistoryLocked(string(kind), fmt.Sprintf("succeeded=%d failed=%d conflicted=%d", res.Succeeded, res.Failed, res.Conflicted))
	stats := c.stats.clone()
	c.mu.Unlock()

	if recorded {
		c.persistStats(ctx, stats)
	}
	c.persistHistory(ctx)

	c.logger.Info().
		Str("state", string(next)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("conflicted", res.Conflicted).
		Dur("duration", res.Duration).
		Msg("sync cycle finished")

	c.emit(Event{Kind: kind, Result: &res})
	return res, nil
}

// Conflicts returns the open conflicts, oldest first.
func (c *Coordinator) Conflicts() []*schema.Conflict {
	return c.conflicts.List()
}

// ResolveConflict applies strategy to the conflict id. The winning value is
// queued as a new update that supersedes the original mutation, or the
// mutation that already replaced it, and the conflict is closed. When neither
// is queued any more the conflict is closed and queue.ErrNotFound returned.
func (c *Coordinator) ResolveConflict(ctx context.Context, id string, strategy schema.Strategy, manualValue []byte) (*schema.Mutation, error) {
	cf, err := c.conflicts.Get(id)
	if err != nil {
		return nil, err
	}

	value, err := conflict.Resolve(cf, strategy, manualValue)
	if err != nil {
		return nil, err
	}

	original, err := c.queue.Get(cf.MutationID)
	if errors.Is(err, queue.ErrNotFound) {
		original = c.successorOf(cf.MutationID)
		if original == nil {
			// The write was cleared or sent; resolving must not bring it back.
			if rerr := c.conflicts.Remove(ctx, id); rerr != nil && !errors.Is(rerr, conflict.ErrNotFound) {
				return nil, rerr
			}
			c.record("conflictDropped", fmt.Sprintf("conflict %s: mutation %s no longer queued", id, cf.MutationID))
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	replacement := conflict.Replacement(cf, value, original)

	queued, err := c.queue.Supersede(ctx, original.ID, replacement)
	if err != nil {
		return nil, fmt.Errorf("failed to queue resolution: %w", err)
	}

	if err := c.conflicts.Remove(ctx, id); err != nil {
		return nil, err
	}

	c.record("conflictResolved", fmt.Sprintf("conflict %s resolved with %s as %s", id, strategy, queued.ID))
	return queued, nil
}

// successorOf returns the queued mutation that replaced id, if any.
func (c *Coordinator) successorOf(id string) *schema.Mutation {
	for _, m := range c.queue.List() {
		if m.Supersedes == id {
			return m
		}
	}
	return nil
}

// ClearQueue discards every queued mutation together with the conflicts
// raised for them.
func (c *Coordinator) ClearQueue(ctx context.Context) int {
	n := c.queue.Clear(ctx)
	c.conflicts.Clear(ctx)
	c.record("queueCleared", fmt.Sprintf("%d mutations discarded", n))
	return n
}

// DismissConflict closes the conflict id without changing the queued
// mutation. The remote version that caused it is acknowledged so it is not
// flagged again.
func (c *Coordinator) DismissConflict(ctx context.Context, id string) error {
	cf, err := c.conflicts.Get(id)
	if err != nil {
		return err
	}

	if err := c.queue.Acknowledge(ctx, cf.MutationID, cf.RemoteVersion.Timestamp); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return err
	}
	if err := c.conflicts.Remove(ctx, id); err != nil {
		return err
	}

	c.record("conflictDismissed", fmt.Sprintf("conflict %s", id))
	return nil
}

// record appends a history entry and persists the history.
func (c *Coordinator) record(event, detail string) {
	c.mu.Lock()
	c.addHistoryLocked(event, detail)
	c.mu.Unlock()

	c.persistHistory(context.Background())
}

func (c *Coordinator) addHistoryLocked(event, detail string) {
	c.history.add(HistoryEntry{
		At:     c.now().UTC(),
		Event:  event,
		State:  c.state,
		Detail: detail,
	})
}

func (c *Coordinator) scheduleRevertLocked() {
	c.stopRevertLocked()
	c.generation++
	gen := c.generation
	c.revert = time.AfterFunc(c.displayWindow, func() { c.revertToIdle(gen) })
}

func (c *Coordinator) stopRevertLocked() {
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
	c.generation++
}

func (c *Coordinator) revertToIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.revert = nil
	c.mu.Unlock()

	c.emit(Event{Kind: EventStateChange})
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	ev.At = c.now().UTC()
	if ev.State == "" {
		ev.State = c.state
	}
	ev.Online = c.online
	c.mu.Unlock()

	c.observers.emit(ev)
}

func (c *Coordinator) persistStats(ctx context.Context, stats Stats) {
	if c.records == nil {
		return
	}
	if err := c.records.Save(ctx, storage.KeyStats, stats); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist sync stats")
	}
}

func (c *Coordinator) persistHistory(ctx context.Context) {
	if c.records == nil {
		return
	}
	c.mu.Lock()
	entries := c.history.list()
	c.mu.Unlock()

	if err := c.records.Save(ctx, storage.KeyHistory, entries); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist sync history")
	}
}
