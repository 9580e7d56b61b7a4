// Package storage defines the namespaced key-value contract that backs every
// persisted record in offq: the mutation queue, sync statistics, the event
// history and the open conflict list.
//
// Backends
//
// Three backends implement KV:
//
//	Memory          in-process map, used by tests and ephemeral runs
//	sqlite.KV       embedded SQLite (ncruces WASM driver, or libSQL)
//	pebble.KV       Pebble LSM store with fsync on every write
//
// Values are plain serializable records wrapped in a versioned Envelope so a
// restarted process can always reload what an earlier one wrote.
//
// Failure model
//
// Storage is allowed to be unavailable (disk full, quota exceeded, read-only
// filesystem). Callers treat a failed Put as Outcome MemoryOnly and keep
// running on their in-memory state.
package storage
