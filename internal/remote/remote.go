// Package remote holds the contracts the queue uses to reach the
// authoritative store, plus reference implementations: an in-memory store
// and an HTTP client for the reference server in remote/server.
//
// Neither implementation defines a normative protocol. Applications plug in
// their own Executor and SnapshotReader.
package remote

import (
	"context"
	"errors"

	"github.com/offq/offq/internal/queue"
)

// Executor applies a mutation to the authoritative store.
type Executor = queue.Executor

// SnapshotReader reads the current remote value of an entity.
type SnapshotReader = queue.SnapshotReader

// Client is both an Executor and a SnapshotReader, and can report whether
// the store is reachable.
type Client interface {
	Executor
	SnapshotReader
	Ping(ctx context.Context) error
}

var (
	// ErrEntityExists is returned when adding an entity that already exists.
	ErrEntityExists = errors.New("remote: entity already exists")

	// ErrEntityNotFound is returned when updating an entity that does not
	// exist.
	ErrEntityNotFound = errors.New("remote: entity not found")

	// ErrUnsupportedKind is returned for mutation kinds the store does not
	// know.
	ErrUnsupportedKind = errors.New("remote: unsupported mutation kind")
)

// Permanent tags err as non-retryable.
func Permanent(err error) error { return queue.Permanent(err) }

// IsPermanent reports whether err was tagged with Permanent.
func IsPermanent(err error) bool { return queue.IsPermanent(err) }
