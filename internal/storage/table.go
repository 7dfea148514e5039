package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"alarmd/internal/reminder"
)

// table is the in-memory row set shared by the memory and file drivers.
// Callers hold their own lock.
type table struct {
	rows   map[reminder.ID]reminder.Schedule
	nextID reminder.ID
}

func newTable() *table {
	return &table{rows: map[reminder.ID]reminder.Schedule{}, nextID: 1}
}

// normalize validates s and fills in derived fields.
func normalize(s reminder.Schedule) (reminder.Schedule, error) {
	if s.DueAt.IsZero() {
		return s, fmt.Errorf("%w: due_at required", ErrInvalid)
	}
	if s.Recurrence.Recurring() {
		if s.Recurrence.Interval < 0 {
			return s, fmt.Errorf("%w: interval must be >= 1", ErrInvalid)
		}
		if s.Recurrence.Interval == 0 {
			s.Recurrence.Interval = 1
		}
		if s.RecurringGroupID == "" {
			s.RecurringGroupID = uuid.NewString()
		}
	} else {
		s.Recurrence = reminder.Recurrence{}
	}
	if s.SnoozeCount < 0 {
		s.SnoozeCount = 0
	}
	return s, nil
}

// put stores row and advances the id sequence past it.
func (t *table) put(row reminder.Schedule) {
	t.rows[row.ID] = row
	if row.ID >= t.nextID {
		t.nextID = row.ID + 1
	}
}

// The prepare* helpers compute the row a write would produce without storing
// it; changed is false when the write is a no-op.

func (t *table) prepareSave(s reminder.Schedule) (reminder.Schedule, bool, error) {
	s, err := normalize(s)
	if err != nil {
		return s, false, err
	}
	if s.ID == 0 {
		s.ID = t.nextID
	}
	return s, true, nil
}

func (t *table) prepareNext(s reminder.Schedule) (reminder.Schedule, bool, error) {
	return t.prepareSave(s.NextOccurrence(s.DueAt))
}

func (t *table) get(id reminder.ID) (reminder.Schedule, bool) {
	s, ok := t.rows[id]
	return s, ok
}

func (t *table) prepareMutate(id reminder.ID, fn func(*reminder.Schedule)) (reminder.Schedule, bool, error) {
	s, ok := t.rows[id]
	if !ok {
		return s, false, ErrNotFound
	}
	if s.Terminal() {
		return s, false, nil
	}
	fn(&s)
	return s, true, nil
}

func (t *table) prepareCompleted(id reminder.ID, reason reminder.Reason, at time.Time) (reminder.Schedule, bool, error) {
	return t.prepareMutate(id, func(s *reminder.Schedule) {
		s.State = reminder.Completed
		s.Reason = reason
		s.CompletedAt = at
		s.SnoozedUntil = time.Time{}
	})
}

func (t *table) prepareSoftDelete(id reminder.ID, at time.Time) (reminder.Schedule, bool, error) {
	return t.prepareMutate(id, func(s *reminder.Schedule) {
		s.State = reminder.Dismissed
		s.Reason = reminder.ReasonManual
		s.DeletedAt = at
		s.SnoozedUntil = time.Time{}
	})
}

func (t *table) prepareSnooze(id reminder.ID, n int, until time.Time) (reminder.Schedule, bool, error) {
	return t.prepareMutate(id, func(s *reminder.Schedule) {
		s.SnoozeCount = n
		s.SnoozedUntil = until
	})
}

func (t *table) future(now time.Time) []reminder.Schedule {
	out := make([]reminder.Schedule, 0, len(t.rows))
	for _, s := range t.rows {
		if s.Terminal() || !s.FireAt().After(now) {
			continue
		}
		out = append(out, s)
	}
	sortByFireAt(out)
	return out
}

func sortByFireAt(rows []reminder.Schedule) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].FireAt(), rows[j].FireAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return rows[i].ID < rows[j].ID
	})
}
