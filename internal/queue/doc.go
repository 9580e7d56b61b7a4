// Package queue implements the offline mutation queue.
//
// Overview
//
// The Manager owns every queued mutation. It keeps them in priority order,
// persists the whole queue through a Store before each mutating call returns,
// and drives processing against a remote Executor.
//
//	Enqueue ──► [pending] ──Process──► [processing] ──ok──► removed
//	                ▲                       │
//	                │   retryable failure   │
//	                └───────────────────────┤
//	                                        └─ budget spent / permanent ─► [failed]
//	                                                                          │
//	                         RetryFailed ◄────────────────────────────────────┘
//
// Processing
//
// Process runs at most one pass at a time. Concurrent callers share the
// in-flight pass and its result. Within a pass mutations run sequentially,
// highest priority first and oldest first within a priority. A mutation whose
// entity changed remotely after it was queued is reported to the ConflictSink
// and stays pending without being executed.
//
// Failures never escape Process; they are recorded on the mutation
// (LastError, RetryCount) and in the returned Result.
//
// Durability
//
// Storage failures are logged and the in-memory queue stays authoritative for
// the rest of the session. Degraded reports whether the last write reached
// the backend.
package queue
