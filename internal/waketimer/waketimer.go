// Package waketimer is an in-process timer facility implementing
// scheduler.Platform on top of robfig/cron.
//
// Each pending wake is a cron entry driven by a one-shot cron.Schedule.
// Exact wakes are subject to a quota, and anything armed inexact is deferred to
// the next InexactWindow boundary, mirroring how mobile platforms batch
// non-exact alarms. Pending wakes live in memory only; after a restart
// they are restored by the boot reconciler.
package waketimer

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"alarmd/internal/scheduler"
	logx "alarmd/pkg/logx"
)

type Config struct {
	// Exact reports whether the process holds the exact-timing privilege.
	Exact bool
	// ExactPerMinute caps exact arms; 0 means unlimited.
	ExactPerMinute int
	// InexactWindow is the batching window for best-effort wakes.
	InexactWindow time.Duration
	Location      *time.Location
}

const defaultInexactWindow = time.Minute

// onceSchedule fires once at `at` (or immediately if at is already behind the
// cron clock) and then never again.
type onceSchedule struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return time.Time{}
	}
	s.used = true
	if s.at.After(t) {
		return s.at
	}
	return t
}

type entry struct {
	id      cron.EntryID
	ver     uint64
	at      time.Time
	exact   bool
	payload []byte
}

type Timer struct {
	cfg Config
	log logx.Logger
	c   *cron.Cron

	limiter *rate.Limiter

	mu      sync.Mutex
	entries map[int32]entry
	ver     uint64
	onFire  func(native int32, payload []byte)
	running bool
}

var _ scheduler.Platform = (*Timer)(nil)

func New(cfg Config, log logx.Logger) *Timer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.InexactWindow <= 0 {
		cfg.InexactWindow = defaultInexactWindow
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	t := &Timer{
		cfg:     cfg,
		log:     log,
		c:       cron.New(cron.WithLocation(loc)),
		entries: map[int32]entry{},
	}
	if cfg.ExactPerMinute > 0 {
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ExactPerMinute)), cfg.ExactPerMinute)
	}
	return t
}

func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	// one-shot schedules are consumed once the cron loop has seen them, so
	// entries surviving a previous Stop need fresh schedules.
	for native, e := range t.entries {
		t.c.Remove(e.id)
		ver := e.ver
		n := native
		e.id = t.c.Schedule(&onceSchedule{at: e.at}, cron.FuncJob(func() { t.fire(n, ver) }))
		t.entries[native] = e
	}
	t.c.Start()
	t.log.Info("wake timer started", logx.Bool("exact", t.cfg.Exact), logx.Int("pending", len(t.entries)))
}

// Stop halts the cron loop. Pending wakes are dropped with the process, the
// same as when the host kills it.
func (t *Timer) Stop() {
	t.mu.Lock()
	running := t.running
	t.running = false
	t.mu.Unlock()
	if running {
		<-t.c.Stop().Done()
	}
}

func (t *Timer) SetFireHandler(fn func(native int32, payload []byte)) {
	t.mu.Lock()
	t.onFire = fn
	t.mu.Unlock()
}

// SetExact toggles the exact-timing privilege at runtime.
func (t *Timer) SetExact(exact bool) {
	t.mu.Lock()
	t.cfg.Exact = exact
	t.mu.Unlock()
}

func (t *Timer) ExactAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Exact
}

func (t *Timer) ArmExact(native int32, at time.Time, payload []byte) error {
	if !t.ExactAllowed() {
		return scheduler.ErrExactDenied
	}
	if t.limiter != nil && !t.limiter.Allow() {
		t.log.Debug("exact quota exhausted", logx.Int("native", int(native)))
		return scheduler.ErrExactDenied
	}
	t.arm(native, at, true, payload)
	return nil
}

func (t *Timer) ArmInexact(native int32, at time.Time, payload []byte) error {
	t.arm(native, t.deferToWindow(at), false, payload)
	return nil
}

func (t *Timer) deferToWindow(at time.Time) time.Time {
	w := t.cfg.InexactWindow
	if w <= 0 {
		return at
	}
	if tr := at.Truncate(w); !tr.Equal(at) {
		return tr.Add(w)
	}
	return at
}

func (t *Timer) arm(native int32, at time.Time, exact bool, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[native]; ok {
		t.c.Remove(old.id)
	}
	t.ver++
	ver := t.ver
	body := append([]byte(nil), payload...)
	id := t.c.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() { t.fire(native, ver) }))
	t.entries[native] = entry{id: id, ver: ver, at: at, exact: exact, payload: body}
}

func (t *Timer) Cancel(native int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[native]; ok {
		t.c.Remove(old.id)
		delete(t.entries, native)
	}
	return nil
}

// Pending returns the fire time of the wake armed for native, if any.
func (t *Timer) Pending(native int32) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[native]
	return e.at, ok
}

func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timer) fire(native int32, ver uint64) {
	t.mu.Lock()
	e, ok := t.entries[native]
	if !ok || e.ver != ver {
		// replaced or cancelled while the job was being started
		t.mu.Unlock()
		return
	}
	delete(t.entries, native)
	t.c.Remove(e.id)
	fn := t.onFire
	t.mu.Unlock()

	if fn == nil {
		t.log.Warn("wake fired without handler", logx.Int("native", int(native)))
		return
	}
	fn(native, e.payload)
}
