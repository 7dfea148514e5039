package boot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/eventbus"
	"alarmd/internal/reminder"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

type recordingArm struct {
	mu    sync.Mutex
	calls map[reminder.ID][]scheduler.Payload
	fail  map[reminder.ID]error
}

func newRecordingArm() *recordingArm {
	return &recordingArm{calls: map[reminder.ID][]scheduler.Payload{}, fail: map[reminder.ID]error{}}
}

func (a *recordingArm) Arm(ctx context.Context, id reminder.ID, at time.Time, p scheduler.Payload) (scheduler.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[id]; err != nil {
		return scheduler.Result{}, err
	}
	a.calls[id] = append(a.calls[id], p)
	return scheduler.Result{ID: id, FireAt: at, Degraded: id%2 == 0}, nil
}

func (a *recordingArm) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += len(c)
	}
	return n
}

type failingStore struct{ err error }

func (f failingStore) GetAllFutureSchedules(context.Context, time.Time) ([]reminder.Schedule, error) {
	return nil, f.err
}

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (storage.Store, map[string]reminder.ID) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	ids := map[string]reminder.ID{}
	add := func(name string, sc reminder.Schedule) {
		id, err := st.SaveSchedule(ctx, sc)
		require.NoError(t, err)
		ids[name] = id
	}
	add("future", reminder.Schedule{Title: "future", DueAt: now.Add(time.Hour)})
	add("snoozed", reminder.Schedule{Title: "snoozed", DueAt: now.Add(-time.Minute)})
	add("past", reminder.Schedule{Title: "past", DueAt: now.Add(-time.Hour)})
	add("done", reminder.Schedule{Title: "done", DueAt: now.Add(2 * time.Hour)})
	require.NoError(t, st.UpdateSnoozeCount(ctx, ids["snoozed"], 3, now.Add(4*time.Minute)))
	require.NoError(t, st.SoftDelete(ctx, ids["done"], now))
	return st, ids
}

func TestReconcileArmsFutureRowsOnce(t *testing.T) {
	st, ids := seed(t)
	arm := newRecordingArm()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	r := New(Config{AutoSnoozeCap: 2}, st, arm, logx.Nop(), bus)
	r.SetClock(func() time.Time { return now })

	rep, err := r.Reconcile(context.Background(), "boot-a")
	require.NoError(t, err)
	assert.False(t, rep.Duplicate)
	assert.Equal(t, 2, rep.Armed)
	assert.Equal(t, 2, arm.total())
	assert.Len(t, arm.calls[ids["future"]], 1)
	assert.Empty(t, arm.calls[ids["past"]])
	assert.Empty(t, arm.calls[ids["done"]])

	p := arm.calls[ids["snoozed"]][0]
	assert.Equal(t, 2, p.AutoSnoozesUsed, "payload is clamped to the cap")
	assert.Equal(t, scheduler.WakeBoot, p.Kind)

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.BootReconciled, ev.Type)
	default:
		t.Fatal("no boot.reconciled event")
	}
}

func TestReconcileDuplicateBootIsNoop(t *testing.T) {
	st, _ := seed(t)
	arm := newRecordingArm()
	r := New(Config{AutoSnoozeCap: 2}, st, arm, logx.Nop(), nil)
	r.SetClock(func() time.Time { return now })

	first, err := r.Reconcile(context.Background(), "boot-a")
	require.NoError(t, err)

	again, err := r.Reconcile(context.Background(), "boot-a")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Armed, again.Armed)
	assert.Equal(t, 2, arm.total())

	// A new boot id is a new pass.
	_, err = r.Reconcile(context.Background(), "boot-b")
	require.NoError(t, err)
	assert.Equal(t, 4, arm.total())
}

func TestReconcileConcurrentCallersShareOnePass(t *testing.T) {
	st, _ := seed(t)
	arm := newRecordingArm()
	r := New(Config{AutoSnoozeCap: 2}, st, arm, logx.Nop(), nil)
	r.SetClock(func() time.Time { return now })

	var wg sync.WaitGroup
	reps := make([]Report, 8)
	for i := range reps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := r.Reconcile(context.Background(), "boot-a")
			assert.NoError(t, err)
			reps[i] = rep
		}()
	}
	wg.Wait()

	fresh := 0
	for _, rep := range reps {
		if !rep.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 2, arm.total())
}

func TestReconcileCollectsArmErrors(t *testing.T) {
	st, ids := seed(t)
	arm := newRecordingArm()
	boom := errors.New("boom")
	arm.fail[ids["future"]] = boom

	r := New(Config{AutoSnoozeCap: 2}, st, arm, logx.Nop(), nil)
	r.SetClock(func() time.Time { return now })
	rep, err := r.Reconcile(context.Background(), "boot-a")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rep.Armed)
	assert.Len(t, arm.calls[ids["snoozed"]], 1)
}

func TestReconcileStoreFailureIsRetryable(t *testing.T) {
	boom := errors.New("db down")
	r := New(Config{}, failingStore{err: boom}, newRecordingArm(), logx.Nop(), nil)
	_, err := r.Reconcile(context.Background(), "boot-a")
	require.ErrorIs(t, err, boom)

	_, ok := r.cached("boot-a")
	assert.False(t, ok)
}

func TestBootID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot_id")
	require.NoError(t, os.WriteFile(path, []byte("4f1c1d9e-aaaa\n"), 0o600))

	old := bootIDPath
	t.Cleanup(func() { bootIDPath = old })

	bootIDPath = path
	assert.Equal(t, "4f1c1d9e-aaaa", BootID())

	bootIDPath = filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, processID, BootID())
}
