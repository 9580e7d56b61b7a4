// Package conflict detects divergence between queued local changes and the
// remote store, and tracks open conflicts until the user resolves them.
//
// Detection is deliberately conservative: a conflict is flagged whenever the
// remote value was modified after the local edit was queued. Nothing is
// resolved automatically.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/offq/offq/internal/schema"
)

var (
	// ErrManualValueRequired is returned when the manual strategy is used
	// without a value.
	ErrManualValueRequired = errors.New("conflict: manual strategy requires a value")

	// ErrUnknownStrategy is returned for strategies other than mine, theirs
	// and manual.
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")

	// ErrNotFound is returned when no open conflict has the requested id.
	ErrNotFound = errors.New("conflict: not found")
)

// Detector decides whether a mutation conflicts with a remote snapshot.
type Detector struct {
	now   func() time.Time
	newID func() string
}

// NewDetector returns a detector using wall-clock time and random UUIDs.
func NewDetector() *Detector {
	return &Detector{now: time.Now, newID: uuid.NewString}
}

// Detect returns a Conflict when snapshot was modified strictly after the
// later of m.EnqueuedAt and m.AcknowledgedRemoteAt. A nil snapshot (entity
// absent remotely) never conflicts.
func (d *Detector) Detect(m *schema.Mutation, snapshot *schema.Snapshot) *schema.Conflict {
	if m == nil || snapshot == nil {
		return nil
	}

	reference := m.EnqueuedAt
	if m.AcknowledgedRemoteAt != nil && m.AcknowledgedRemoteAt.After(reference) {
		reference = *m.AcknowledgedRemoteAt
	}
	if !snapshot.LastModifiedAt.After(reference) {
		return nil
	}

	return &schema.Conflict{
		ID:         d.newID(),
		MutationID: m.ID,
		EntityID:   m.EntityID,
		Kind:       m.Kind,
		LocalVersion: schema.Version{
			Value:     m.Payload,
			Timestamp: m.EnqueuedAt,
		},
		RemoteVersion: schema.Version{
			Value:     snapshot.Value,
			Timestamp: snapshot.LastModifiedAt,
		},
		DetectedAt: d.now(),
	}
}

// Resolve returns the winning value for c under strategy.
func Resolve(c *schema.Conflict, strategy schema.Strategy, manualValue []byte) ([]byte, error) {
	switch strategy {
	case schema.StrategyMine:
		return c.LocalVersion.Value, nil
	case schema.StrategyTheirs:
		return c.RemoteVersion.Value, nil
	case schema.StrategyManual:
		if len(manualValue) == 0 {
			return nil, ErrManualValueRequired
		}
		return manualValue, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Replacement builds the mutation that carries a resolved value back into
// the queue. The original mutation is never rewritten; the replacement
// references it through Supersedes.
func Replacement(c *schema.Conflict, value []byte, original *schema.Mutation) *schema.Mutation {
	kind := schema.KindUpdate
	priority := 0
	if original != nil {
		priority = original.Priority
		// A delete that the user keeps stays a delete.
		if original.Kind == schema.KindDelete && len(value) == 0 {
			kind = schema.KindDelete
		}
	}

	return &schema.Mutation{
		Kind:       kind,
		EntityID:   c.EntityID,
		Payload:    value,
		Priority:   priority,
		Supersedes: c.MutationID,
	}
}
