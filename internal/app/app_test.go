package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alarmd/internal/reminder"
	"alarmd/internal/scheduler"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alarmd.yaml")
	writeConfig(t, path, body)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.bootID = func() string { return "test-boot" }
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Stop(context.Background(), StopSignal); err != nil {
			t.Errorf("Stop: %v", err)
		}
		cancel()
	})
	return a, path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

const baseConfig = `
logging:
  level: error
storage:
  driver: memory
alarm:
  ring_duration: 50ms
  auto_snooze_cap: 0
`

func TestReminderRingsThenCompletes(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	ctx := context.Background()

	id, err := a.AddReminder(ctx, reminder.Schedule{Title: "tea", DueAt: time.Now().Add(100 * time.Millisecond)})
	if err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	var got reminder.Schedule
	waitFor(t, 3*time.Second, func() bool {
		sc, ok, err := a.store.GetSchedule(ctx, id)
		got = sc
		return err == nil && ok && sc.State == reminder.Completed
	})
	if got.Reason != reminder.ReasonAutoSnoozed {
		t.Fatalf("reason = %q, want %q", got.Reason, reminder.ReasonAutoSnoozed)
	}
	if a.leases.Active() != 0 {
		t.Fatalf("leases still held: %d", a.leases.Active())
	}
}

func TestDeleteReminderCancelsWake(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	ctx := context.Background()

	id, err := a.AddReminder(ctx, reminder.Schedule{Title: "later", DueAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	if _, ok := a.sched.Pending(id); !ok {
		t.Fatal("wake not armed")
	}
	if err := a.DeleteReminder(ctx, id); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if _, ok := a.sched.Pending(id); ok {
		t.Fatal("wake still armed after delete")
	}
	sc, ok, err := a.store.GetSchedule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetSchedule: ok=%v err=%v", ok, err)
	}
	if sc.DeletedAt.IsZero() {
		t.Fatal("row not soft-deleted")
	}
}

func TestAddReminderRejectsPastDueWithoutStoring(t *testing.T) {
	a, _ := startApp(t, baseConfig)
	ctx := context.Background()

	_, err := a.AddReminder(ctx, reminder.Schedule{Title: "yesterday", DueAt: time.Now().Add(-24 * time.Hour)})
	if !errors.Is(err, scheduler.ErrPastDue) {
		t.Fatalf("AddReminder err = %v, want ErrPastDue", err)
	}
	rows, err := a.store.GetAllFutureSchedules(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetAllFutureSchedules: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("stored %d rows for a rejected reminder", len(rows))
	}
}

func TestConfigReloadAppliesAlarmTimings(t *testing.T) {
	a, path := startApp(t, baseConfig)

	updated := `
logging:
  level: error
storage:
  driver: memory
alarm:
  ring_duration: 2s
  auto_snooze_cap: 1
`
	// The watcher starts asynchronously; rewrite until it sees a change.
	polls := 0
	waitFor(t, 5*time.Second, func() bool {
		if polls%50 == 0 {
			writeConfig(t, path, updated)
		}
		polls++
		c := a.engine.Config()
		return c.RingDuration == 2*time.Second && c.AutoSnoozeCap == 1
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarmd.yaml")
	writeConfig(t, path, "storage:\n  driver: floppy\n")
	if _, err := New(path); err == nil {
		t.Fatal("New accepted an unknown storage driver")
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()
	if got := statusLine(0); got != "idle" {
		t.Fatalf("statusLine(0) = %q", got)
	}
	if got := statusLine(2); got != "ringing: 2" {
		t.Fatalf("statusLine(2) = %q", got)
	}
}
