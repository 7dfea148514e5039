// Package storage is the persistence layer for reminder schedules.
//
// Drivers:
//   - "memory": process-local rows (tests, dry runs)
//   - "file":   JSON Lines journal + periodic snapshot, dependency-free
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Every driver serializes writes to a row, so read-modify-write sequences for
// one reminder never interleave.
package storage
