package queue

import (
	"context"
	"errors"

	"github.com/offq/offq/internal/schema"
)

// Executor applies a mutation to the authoritative store.
type Executor interface {
	Execute(ctx context.Context, m *schema.Mutation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, m *schema.Mutation) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, m *schema.Mutation) error {
	return f(ctx, m)
}

// SnapshotReader returns the current remote value of an entity, or nil when
// the entity does not exist remotely.
type SnapshotReader interface {
	GetCurrent(ctx context.Context, entityID string) (*schema.Snapshot, error)
}

// ConflictSink receives conflicts found during processing.
type ConflictSink interface {
	// Surface records c and reports whether it was new.
	Surface(ctx context.Context, c *schema.Conflict) bool
	// HasOpen reports whether mutationID has an unresolved conflict.
	HasOpen(mutationID string) bool
}

// permanentError marks an execution error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent tags err as non-retryable (for example a validation failure).
// The mutation is marked failed immediately without consuming retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was tagged with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
