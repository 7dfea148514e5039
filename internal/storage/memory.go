package storage

import (
	"context"
	"sync"
	"time"

	"alarmd/internal/reminder"
)

type memStore struct {
	mu     sync.Mutex
	t      *table
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memStore{t: newTable()}
}

func (s *memStore) SaveSchedule(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	return s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSave(sc) })
}

func (s *memStore) InsertNextOccurrence(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	return s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareNext(sc) })
}

func (s *memStore) GetSchedule(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Schedule{}, false, ErrClosed
	}
	row, ok := s.t.get(id)
	return row, ok, nil
}

func (s *memStore) MarkCompleted(ctx context.Context, id reminder.ID, reason reminder.Reason, at time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareCompleted(id, reason, at) })
	return err
}

func (s *memStore) SoftDelete(ctx context.Context, id reminder.ID, at time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSoftDelete(id, at) })
	return err
}

func (s *memStore) UpdateSnoozeCount(ctx context.Context, id reminder.ID, n int, until time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSnooze(id, n, until) })
	return err
}

func (s *memStore) GetAllFutureSchedules(ctx context.Context, now time.Time) ([]reminder.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.t.future(now), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) write(prepare func() (reminder.Schedule, bool, error)) (reminder.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	row, changed, err := prepare()
	if err != nil {
		return 0, err
	}
	if changed {
		s.t.put(row)
	}
	return row.ID, nil
}
