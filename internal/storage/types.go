package storage

import (
	"context"
	"errors"
	"time"

	"alarmd/internal/reminder"
)

var (
	ErrNotFound = errors.New("storage: schedule not found")
	ErrInvalid  = errors.New("storage: invalid schedule")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": Path is the journal prefix, e.g. "./data/alarmd"
//   - "sqlite": Path is the database file
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between snapshots
}

// Store is the persistence API consumed by the alarm core.
//
// Writes addressed to a row that already has a terminal outcome are no-ops
// returning nil; writes to unknown ids return ErrNotFound.
type Store interface {
	// SaveSchedule creates (ID == 0) or replaces a reminder row.
	SaveSchedule(ctx context.Context, s reminder.Schedule) (reminder.ID, error)
	GetSchedule(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error)
	MarkCompleted(ctx context.Context, id reminder.ID, reason reminder.Reason, at time.Time) error
	// SoftDelete removes the row from the active set; a live row is recorded
	// as DISMISSED/MANUAL (a done item, not a missed one).
	SoftDelete(ctx context.Context, id reminder.ID, at time.Time) error
	// UpdateSnoozeCount stores the snooze counter and the re-arm instant.
	UpdateSnoozeCount(ctx context.Context, id reminder.ID, n int, until time.Time) error
	InsertNextOccurrence(ctx context.Context, s reminder.Schedule) (reminder.ID, error)
	// GetAllFutureSchedules lists non-terminal rows whose FireAt is after now.
	GetAllFutureSchedules(ctx context.Context, now time.Time) ([]reminder.Schedule, error)
	Close() error
}
