package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind is the type of write a mutation performs.
type Kind string

const (
	KindAdd        Kind = "add"
	KindUpdate     Kind = "update"
	KindDelete     Kind = "delete"
	KindMarkStatus Kind = "markStatus"
)

// DeletePriority is the default priority of delete mutations. Deletes run
// ahead of adds and updates so later writes never target a stale reference.
const DeletePriority = 10

// DefaultPriority returns the priority assigned to a kind when the caller
// leaves Priority at zero.
func DefaultPriority(k Kind) int {
	if k == KindDelete {
		return DeletePriority
	}
	return 0
}

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusSucceeded  Status = "succeeded"
)

// Mutation is one pending write against the authoritative store.
type Mutation struct {
	// ===== Identification =====
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	EntityID string `json:"entity_id"`

	// ===== Content =====
	Payload json.RawMessage `json:"payload,omitempty"`

	// ===== Ordering =====
	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   int       `json:"priority"`

	// ===== Processing State =====
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// ===== Conflict Bookkeeping =====
	AcknowledgedRemoteAt *time.Time `json:"acknowledged_remote_at,omitempty"`
	Supersedes           string     `json:"supersedes,omitempty"`
}

// Validate checks the fields a caller must supply before enqueueing.
func (m *Mutation) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if strings.ContainsAny(m.ID, `/\`) {
		return fmt.Errorf("id must not contain path separators")
	}
	return nil
}

// Clone returns a deep copy so callers never alias queue-owned state.
func (m *Mutation) Clone() *Mutation {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.NextAttemptAt != nil {
		t := *m.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if m.AcknowledgedRemoteAt != nil {
		t := *m.AcknowledgedRemoteAt
		c.AcknowledgedRemoteAt = &t
	}
	return &c
}

// Filename returns the canonical inbox filename for this mutation: {id}.json
func (m *Mutation) Filename() string {
	return fmt.Sprintf("%s.json", m.ID)
}

// ReadMutationFile reads and parses a mutation JSON file from the given path.
func ReadMutationFile(path string) (*Mutation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteMutationFile writes a mutation to dir/{id}.json. The file is written
// under a temporary name first and renamed, so a watcher never observes a
// partially written document.
func WriteMutationFile(dir string, m *Mutation) error {
	if m.ID == "" {
		return fmt.Errorf("cannot write mutation without id")
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid mutation: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	path := filepath.Join(dir, m.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write mutation file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move mutation file into place: %w", err)
	}

	return nil
}
