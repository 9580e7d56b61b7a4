package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/offq/offq/internal/schema"
)

// Process runs one pass over the eligible mutations and returns the
// aggregate outcome. Concurrent callers join the pass already in flight and
// receive its result. Execution failures are recorded on the mutations, never
// returned.
func (m *Manager) Process(ctx context.Context) Result {
	v, _, _ := m.flight.Do("process", func() (any, error) {
		return m.process(ctx), nil
	})
	return v.(Result)
}

func (m *Manager) process(ctx context.Context) Result {
	var res Result
	if m.executor == nil {
		m.logger.Warn().Msg("process called without an executor")
		return res
	}

	start := m.now()
	ids := m.beginPass(start)
	if len(ids) == 0 {
		m.endPass(false)
		return res
	}
	m.notify()

	m.logger.Debug().Int("eligible", len(ids)).Msg("processing pass started")

	for i, id := range ids {
		if ctx.Err() != nil {
			res.Skipped += len(ids) - i
			break
		}

		mut, ok := m.claim(ctx, id)
		if !ok {
			// Removed or changed since the pass started
			res.Skipped++
			continue
		}

		if m.snapshots != nil {
			snapshot, err := m.snapshots.GetCurrent(ctx, mut.EntityID)
			if err != nil {
				if ctx.Err() != nil {
					m.release(context.WithoutCancel(ctx), id)
					res.Skipped++
					continue
				}
				// Read failures stay retryable whatever the reader reports.
				m.fail(ctx, id, fmt.Errorf("failed to read remote snapshot: %s", err))
				res.Failed++
				continue
			}
			if c := m.detector.Detect(mut, snapshot); c != nil {
				m.release(ctx, id)
				if m.conflicts != nil {
					m.conflicts.Surface(ctx, c)
				}
				res.Conflicted++
				continue
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, m.executeTimeout)
		err := m.executor.Execute(execCtx, mut)
		cancel()

		switch {
		case err == nil:
			if derr := m.DequeueSucceeded(ctx, id); derr != nil {
				m.logger.Debug().Err(derr).Str("mutation", id).Msg("succeeded mutation already gone")
			}
			res.Succeeded++
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// Shutdown interrupted the attempt; it does not count against the budget
			m.release(context.WithoutCancel(ctx), id)
			res.Skipped++
		default:
			m.fail(ctx, id, err)
			res.Failed++
		}
	}

	res.Duration = m.now().Sub(start)
	m.endPass(true)

	m.logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("conflicted", res.Conflicted).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("processing pass finished")
	return res
}

// beginPass snapshots the ids eligible at now, in processing order.
func (m *Manager) beginPass(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*schema.Mutation
	for _, item := range m.items {
		if m.eligibleLocked(item, now) {
			eligible = append(eligible, item)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return m.lessLocked(eligible[i], eligible[j]) })

	ids := make([]string, len(eligible))
	for i, item := range eligible {
		ids[i] = item.ID
	}
	if len(ids) > 0 {
		m.processing = true
	}
	return ids
}

func (m *Manager) endPass(ran bool) {
	m.mu.Lock()
	m.processing = false
	m.lastProcessedAt = m.now().UTC()
	m.mu.Unlock()

	if ran {
		m.notify()
	}
}

// claim moves a still-pending mutation to processing and returns a copy.
func (m *Manager) claim(ctx context.Context, id string) (*schema.Mutation, bool) {
	m.mu.Lock()
	item := m.findLocked(id)
	if item == nil || item.Status != schema.StatusPending {
		m.mu.Unlock()
		return nil, false
	}
	item.Status = schema.StatusProcessing
	m.persistLocked(ctx)
	out := item.Clone()
	m.mu.Unlock()

	m.notify()
	return out, true
}

// release returns a processing mutation to pending without touching its
// retry state.
func (m *Manager) release(ctx context.Context, id string) {
	m.mu.Lock()
	item := m.findLocked(id)
	if item != nil && item.Status == schema.StatusProcessing {
		item.Status = schema.StatusPending
		m.persistLocked(ctx)
	}
	m.mu.Unlock()

	m.notify()
}

func (m *Manager) fail(ctx context.Context, id string, cause error) {
	if _, err := m.MarkFailed(ctx, id, cause); err != nil {
		m.logger.Debug().Err(err).Str("mutation", id).Msg("failed mutation already gone")
	}
}
