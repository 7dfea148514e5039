// Package boot re-arms persisted schedules after a process or host restart.
package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"alarmd/internal/eventbus"
	"alarmd/internal/reminder"
	"alarmd/internal/scheduler"
	logx "alarmd/pkg/logx"
)

var bootIDPath = "/proc/sys/kernel/random/boot_id"

var processID = fmt.Sprintf("proc-%d-%d", os.Getpid(), time.Now().UnixNano())

// BootID identifies the current host boot, or this process when the kernel
// id is unavailable.
func BootID() string {
	b, err := os.ReadFile(bootIDPath)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	return processID
}

type Store interface {
	GetAllFutureSchedules(ctx context.Context, now time.Time) ([]reminder.Schedule, error)
}

type Arming interface {
	Arm(ctx context.Context, id reminder.ID, at time.Time, p scheduler.Payload) (scheduler.Result, error)
}

type Config struct {
	AutoSnoozeCap int
}

// Report summarizes one reconcile pass.
type Report struct {
	BootID   string
	Scanned  int
	Armed    int
	Degraded int
	Stale    int
	Skipped  int
	At       time.Time
	Took     time.Duration
	// Duplicate is set for callers that got the result of an earlier or
	// concurrent pass for the same boot id.
	Duplicate bool
}

type Reconciler struct {
	store Store
	arm   Arming
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	sf   singleflight.Group
	mu   sync.Mutex
	done map[string]Report
}

func New(cfg Config, store Store, arm Arming, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AutoSnoozeCap < 0 {
		cfg.AutoSnoozeCap = 0
	}
	return &Reconciler{
		store: store,
		arm:   arm,
		cfg:   cfg,
		log:   log,
		bus:   bus,
		now:   time.Now,
		done:  map[string]Report{},
	}
}

// SetClock overrides the time source (tests).
func (r *Reconciler) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Reconcile runs at most one pass per boot id. Concurrent callers share the
// running pass; later callers get its report back with Duplicate set.
//
// A failed store read is not recorded, so the pass may be retried. Per-row
// arm failures are joined into the returned error and do not stop the pass.
func (r *Reconciler) Reconcile(ctx context.Context, bootID string) (Report, error) {
	if bootID == "" {
		bootID = BootID()
	}
	if rep, ok := r.cached(bootID); ok {
		return rep, nil
	}

	ran := false
	v, err, _ := r.sf.Do(bootID, func() (any, error) {
		if rep, ok := r.cached(bootID); ok {
			return rep, nil
		}
		ran = true
		rep, err := r.pass(ctx, bootID)
		if rep.At.IsZero() {
			return rep, err
		}
		r.mu.Lock()
		r.done[bootID] = rep
		r.mu.Unlock()
		return rep, err
	})
	rep, _ := v.(Report)
	if !ran {
		rep.Duplicate = true
	}
	return rep, err
}

func (r *Reconciler) cached(bootID string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.done[bootID]
	if ok {
		rep.Duplicate = true
	}
	return rep, ok
}

func (r *Reconciler) pass(ctx context.Context, bootID string) (Report, error) {
	start := r.now()
	rep := Report{BootID: bootID}

	rows, err := r.store.GetAllFutureSchedules(ctx, start)
	if err != nil {
		return rep, fmt.Errorf("boot: list future schedules: %w", err)
	}

	var errs []error
	seen := make(map[reminder.ID]struct{}, len(rows))
	for _, s := range rows {
		rep.Scanned++
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}

		if s.Terminal() {
			rep.Skipped++
			continue
		}
		at := s.FireAt()
		if !at.After(start) {
			rep.Stale++
			r.log.Debug("stale schedule left unarmed", logx.Int64("reminder_id", int64(s.ID)), logx.Time("fire_at", at))
			continue
		}

		res, err := r.arm.Arm(ctx, s.ID, at, scheduler.Payload{
			AutoSnoozesUsed: min(s.SnoozeCount, r.cfg.AutoSnoozeCap),
			Kind:            scheduler.WakeBoot,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("boot: arm %d: %w", s.ID, err))
			continue
		}
		rep.Armed++
		if res.Degraded {
			rep.Degraded++
		}
	}

	rep.At = r.now()
	rep.Took = rep.At.Sub(start)
	r.log.Info("boot reconcile done",
		logx.String("boot_id", bootID),
		logx.Int("scanned", rep.Scanned),
		logx.Int("armed", rep.Armed),
		logx.Int("degraded", rep.Degraded),
		logx.Int("stale", rep.Stale),
		logx.Int("failed", len(errs)),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.BootReconciled, Time: rep.At, Data: rep})
	}
	return rep, errors.Join(errs...)
}
