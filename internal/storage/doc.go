// Package storage is the durable ScheduleStore: scheduled posts, their
// lifecycle state and the run watermark.
//
// It currently supports:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file": a single JSON snapshot rewritten atomically (temp file + rename)
//
// Every mutation is a single-row conditional update; a lost race surfaces as
// ErrConflict rather than silently overwriting another invocation's write.
package storage
