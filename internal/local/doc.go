// Package local is client-side persistence backed by SQLite.
//
// It keeps two things across restarts:
//
//   - drafts: unsent composer text per conversation
//   - offline_queue: messages queued while disconnected, in insertion order
//
// The database runs in WAL mode and the schema is created on open. Use a
// path under t.TempDir() in tests.
package local
