package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file", "alarmd")},
		{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "alarmd.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			id, err := st.SaveSchedule(ctx, reminder.Schedule{
				Title:      "standup",
				DueAt:      base,
				Recurrence: reminder.Recurrence{Type: reminder.Daily},
			})
			require.NoError(t, err)
			require.NotZero(t, id)

			got, ok, err := st.GetSchedule(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "standup", got.Title)
			assert.True(t, got.DueAt.Equal(base))
			assert.Equal(t, 1, got.Recurrence.Interval)
			assert.NotEmpty(t, got.RecurringGroupID)

			until := base.Add(5 * time.Minute)
			require.NoError(t, st.UpdateSnoozeCount(ctx, id, 1, until))
			got, _, _ = st.GetSchedule(ctx, id)
			assert.Equal(t, 1, got.SnoozeCount)
			assert.True(t, got.FireAt().Equal(until))
			assert.True(t, got.DueAt.Equal(base), "snooze must not move the occurrence")

			require.NoError(t, st.MarkCompleted(ctx, id, reminder.ReasonAutoSnoozed, until))
			got, _, _ = st.GetSchedule(ctx, id)
			assert.Equal(t, reminder.Completed, got.State)
			assert.Equal(t, reminder.ReasonAutoSnoozed, got.Reason)
			assert.True(t, got.Terminal())

			// Terminal rows ignore further writes.
			require.NoError(t, st.UpdateSnoozeCount(ctx, id, 2, until.Add(time.Hour)))
			require.NoError(t, st.SoftDelete(ctx, id, until))
			again, _, _ := st.GetSchedule(ctx, id)
			assert.Equal(t, got.SnoozeCount, again.SnoozeCount)
			assert.Equal(t, reminder.Completed, again.State)
			assert.True(t, again.DeletedAt.IsZero())

			nextID, err := st.InsertNextOccurrence(ctx, reminder.Schedule{
				Title:            got.Title,
				DueAt:            base.AddDate(0, 0, 1),
				Recurrence:       got.Recurrence,
				RecurringGroupID: got.RecurringGroupID,
				SnoozeCount:      2,
				State:            reminder.Completed,
			})
			require.NoError(t, err)
			assert.NotEqual(t, id, nextID)
			next, ok, _ := st.GetSchedule(ctx, nextID)
			require.True(t, ok)
			assert.Equal(t, got.RecurringGroupID, next.RecurringGroupID)
			assert.Zero(t, next.SnoozeCount)
			assert.Equal(t, reminder.Idle, next.State)
		})
	}
}

func TestStoreSoftDeleteRecordsDismissal(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			id, err := st.SaveSchedule(ctx, reminder.Schedule{Title: "pills", DueAt: at})
			require.NoError(t, err)
			require.NoError(t, st.SoftDelete(ctx, id, at))
			got, ok, err := st.GetSchedule(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, reminder.Dismissed, got.State)
			assert.Equal(t, reminder.ReasonManual, got.Reason)
			assert.False(t, got.DeletedAt.IsZero())
		})
	}
}

func TestStoreUnknownID(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetSchedule(ctx, 404)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, st.MarkCompleted(ctx, 404, reminder.ReasonManual, time.Now()), ErrNotFound)
			assert.ErrorIs(t, st.SoftDelete(ctx, 404, time.Now()), ErrNotFound)
			assert.ErrorIs(t, st.UpdateSnoozeCount(ctx, 404, 1, time.Now()), ErrNotFound)
		})
	}
}

func TestStoreFutureSchedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			past, _ := st.SaveSchedule(ctx, reminder.Schedule{Title: "past", DueAt: now.Add(-time.Hour)})
			late, _ := st.SaveSchedule(ctx, reminder.Schedule{Title: "late", DueAt: now.Add(2 * time.Hour)})
			soon, _ := st.SaveSchedule(ctx, reminder.Schedule{Title: "soon", DueAt: now.Add(time.Hour)})
			snoozed, _ := st.SaveSchedule(ctx, reminder.Schedule{Title: "snoozed", DueAt: now.Add(-time.Minute)})
			done, _ := st.SaveSchedule(ctx, reminder.Schedule{Title: "done", DueAt: now.Add(3 * time.Hour)})

			require.NoError(t, st.UpdateSnoozeCount(ctx, snoozed, 1, now.Add(4*time.Minute)))
			require.NoError(t, st.SoftDelete(ctx, done, now))

			rows, err := st.GetAllFutureSchedules(ctx, now)
			require.NoError(t, err)
			var ids []reminder.ID
			for _, r := range rows {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, []reminder.ID{snoozed, soon, late}, ids)
			assert.NotContains(t, ids, past)
		})
	}
}

func TestSaveScheduleValidates(t *testing.T) {
	st := NewMemory()
	_, err := st.SaveSchedule(context.Background(), reminder.Schedule{Title: "no due"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = st.SaveSchedule(context.Background(), reminder.Schedule{
		DueAt:      time.Now(),
		Recurrence: reminder.Recurrence{Type: reminder.Weekly, Interval: -1},
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFileStoreReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alarmd")
	due := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: 2}, logx.Nop())
	require.NoError(t, err)
	a, err := st.SaveSchedule(ctx, reminder.Schedule{Title: "a", DueAt: due})
	require.NoError(t, err)
	b, err := st.SaveSchedule(ctx, reminder.Schedule{Title: "b", DueAt: due.Add(time.Hour)})
	require.NoError(t, err)
	// Third write lands in the journal after the first compaction.
	require.NoError(t, st.UpdateSnoozeCount(ctx, a, 1, due.Add(5*time.Minute)))

	// Reopen without Close to exercise snapshot + journal replay.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()

	got, ok, err := st2.GetSchedule(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.SnoozeCount)
	_, ok, _ = st2.GetSchedule(ctx, b)
	assert.True(t, ok)

	c, err := st2.SaveSchedule(ctx, reminder.Schedule{Title: "c", DueAt: due})
	require.NoError(t, err)
	assert.Greater(t, c, b, "id sequence must survive reopen")
	_ = st.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}
