// Package storage persists templates, generated tasks and the distribution
// bookkeeping (emission gate, occurrence log, rotation cursors, halts).
//
// Drivers:
//   - "memory": process-local, used by tests and previews
//   - "file": memory driver with a JSON snapshot written on every commit
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every driver implements the emission gate as an atomic insert-if-absent:
// of two racing writers for the same key exactly one succeeds and the other
// gets models.ErrDuplicateEmission.
package storage
