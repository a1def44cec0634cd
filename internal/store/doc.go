// Package store persists the coordinator's agent registry and task lists.
//
// # Documents
//
// State is kept as two logical documents, each rewritten wholesale on every
// save:
//
//   - agents: registry records keyed by agent name
//   - tasks:  pending, completed and failed task arrays
//
// Both are JSON encoded, whatever the backend.
//
// # Backends
//
//   - MemoryStore: in-process copy, used by tests and ephemeral runs
//   - FileStore:   agents.json and tasks.json in a directory, written to a
//     temporary file and renamed into place
//   - SQLiteStore: a single documents table in SQLite (modernc.org/sqlite,
//     WAL mode), both documents saved in one transaction
//
// # Cold starts
//
// Load never fails because state is missing. A missing store yields an empty
// snapshot. A corrupt document loads as empty while the other document is
// still decoded, and Load returns an error wrapping ErrCorrupt alongside the
// snapshot so the caller can log it and carry on.
//
// Saves are last-writer-wins; the coordinator is the only writer.
package store
