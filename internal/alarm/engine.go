package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/recurrence"
	"alarmd/internal/reminder"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

var (
	ErrUnknownEvent    = errors.New("alarm: unknown event kind")
	ErrInvalidDuration = errors.New("alarm: snooze duration must be positive")
)

// Deps are the engine's collaborators. Notifier, Leases and Bus are optional.
type Deps struct {
	Store     Store
	Scheduler Arming
	Notifier  Notifier
	Leases    *Leases
	Bus       eventbus.Bus
	Logger    logx.Logger
}

type session struct {
	id      reminder.ID
	seq     uint64
	guard   *Guard
	started time.Time

	// Fields below are guarded by Engine.mu.
	loaded   bool
	sched    reminder.Schedule
	autoUsed int
	lease    *Lease
	timer    *time.Timer

	cancelled atomic.Bool
}

type Engine struct {
	store    Store
	sched    Arming
	notifier Notifier
	leases   *Leases
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	seq      uint64
	sessions map[reminder.ID]*session
	closed   bool
}

func New(cfg Config, deps Deps) *Engine {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	leases := deps.Leases
	if leases == nil {
		leases = NewLeases(nil)
	}
	return &Engine{
		store:    deps.Store,
		sched:    deps.Scheduler,
		notifier: deps.Notifier,
		leases:   leases,
		bus:      deps.Bus,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		sessions: map[reminder.ID]*session{},
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Apply swaps the timings. Running ring timers keep their original duration.
func (e *Engine) Apply(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
}

func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Session returns the sequence number of the live ring session for id.
func (e *Engine) Session(id reminder.ID) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.loaded {
		return 0, false
	}
	return s.seq, true
}

// Close stops every ring timer. Sessions are left for the next boot pass.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, s := range e.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
}

// Handle applies one event. Race losers, duplicates and unknown ids yield
// Ignored with a nil error.
func (e *Engine) Handle(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Kind {
	case EventFire:
		return e.fire(ctx, ev)
	case EventRingTimeout:
		return e.timeout(ctx, ev)
	case EventDismiss:
		return e.dismiss(ctx, ev)
	case EventSnooze:
		return e.snooze(ctx, ev)
	case EventCancel:
		return e.cancel(ctx, ev)
	default:
		return Ignored, fmt.Errorf("%w: %d", ErrUnknownEvent, int(ev.Kind))
	}
}

// OnFire is the scheduler's fire handler.
func (e *Engine) OnFire(ctx context.Context, id reminder.ID, p scheduler.Payload) {
	if _, err := e.Handle(ctx, Event{Kind: EventFire, ReminderID: id, Payload: p, Source: "os"}); err != nil {
		e.log.Error("fire failed", logx.Int64("reminder_id", int64(id)), logx.Err(err))
	}
}

func (e *Engine) OnDismissRequested(ctx context.Context, id reminder.ID) (Outcome, error) {
	return e.Handle(ctx, Event{Kind: EventDismiss, ReminderID: id, Source: "notification"})
}

// OnSnoozeRequested snoozes for minutes, or the default interval when nil.
func (e *Engine) OnSnoozeRequested(ctx context.Context, id reminder.ID, minutes *int) (Outcome, error) {
	ev := Event{Kind: EventSnooze, ReminderID: id, Source: "notification"}
	if minutes != nil {
		if *minutes <= 0 {
			return Ignored, fmt.Errorf("%w: %d", ErrInvalidDuration, *minutes)
		}
		ev.Snooze = time.Duration(*minutes) * time.Minute
	}
	return e.Handle(ctx, ev)
}

func (e *Engine) OnManualDurationChosen(ctx context.Context, id reminder.ID, minutes int) (Outcome, error) {
	if minutes <= 0 {
		return Ignored, fmt.Errorf("%w: %d", ErrInvalidDuration, minutes)
	}
	return e.Handle(ctx, Event{
		Kind:       EventSnooze,
		ReminderID: id,
		Snooze:     time.Duration(minutes) * time.Minute,
		Manual:     true,
		Source:     "ui",
	})
}

// Cancel removes the pending wake for id and tears down a live session
// without writing an outcome.
func (e *Engine) Cancel(ctx context.Context, id reminder.ID) (Outcome, error) {
	return e.Handle(ctx, Event{Kind: EventCancel, ReminderID: id, Source: "app"})
}

// Delete soft-deletes the reminder and cancels it.
func (e *Engine) Delete(ctx context.Context, id reminder.ID) (Outcome, error) {
	at := e.now()
	err := e.retry(ctx, "soft_delete", id, func(ctx context.Context) error {
		return e.store.SoftDelete(ctx, id, at)
	})
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	out, cerr := e.Cancel(ctx, id)
	return out, errors.Join(err, cerr)
}

func (e *Engine) fire(ctx context.Context, ev Event) (Outcome, error) {
	id := ev.ReminderID
	log := e.log.With(logx.Int64("reminder_id", int64(id)))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Ignored, nil
	}
	if cur, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		log.Debug("duplicate fire ignored", logx.Uint64("session", cur.seq), logx.String("source", ev.Source))
		return Ignored, nil
	}
	e.seq++
	s := &session{
		id:       id,
		seq:      e.seq,
		guard:    NewGuard(),
		started:  e.now(),
		autoUsed: max(ev.Payload.AutoSnoozesUsed, 0),
	}
	e.sessions[id] = s
	e.mu.Unlock()

	sc, ok, err := e.load(ctx, id)
	if err != nil {
		e.drop(s)
		return Ignored, fmt.Errorf("alarm: load %d: %w", id, err)
	}
	if !ok || sc.Terminal() {
		e.drop(s)
		log.Debug("fire for unknown or finished reminder ignored", logx.Bool("found", ok))
		return Ignored, nil
	}

	lease := e.leases.Acquire(id)
	e.mu.Lock()
	if e.sessions[id] != s {
		e.mu.Unlock()
		lease.Release()
		return Ignored, nil
	}
	s.sched, s.loaded, s.lease = sc, true, lease
	e.mu.Unlock()

	cfg := e.Config()
	e.show(ctx, Alert{
		ID:              id,
		Title:           sc.Title,
		Notes:           sc.Notes,
		EscalationLabel: EscalationLabel(sc.SnoozeCount),
		Session:         s.seq,
	})

	e.mu.Lock()
	live := e.sessions[id] == s
	if live {
		e.armTimerLocked(s, cfg.RingDuration)
	}
	e.mu.Unlock()
	if !live {
		// Ended while the UI was being raised.
		e.hide(ctx, id)
		return Ignored, nil
	}

	log.Info("ringing",
		logx.Uint64("session", s.seq),
		logx.Int("snooze_count", sc.SnoozeCount),
		logx.Int("auto_snoozes", s.autoUsed),
		logx.String("source", ev.Source),
	)
	e.publish(Ringing, Transition{
		ID:              id,
		Session:         s.seq,
		SnoozeCount:     sc.SnoozeCount,
		AutoSnoozesUsed: s.autoUsed,
		Source:          ev.Source,
	})
	return Ringing, nil
}

func (e *Engine) timeout(ctx context.Context, ev Event) (Outcome, error) {
	s := e.lookup(ev.ReminderID, ev.Session)
	if s == nil || !s.guard.Claim() {
		return Ignored, nil
	}

	cfg := e.Config()
	now := e.now()
	id := s.id
	used, count := s.autoUsed, s.sched.SnoozeCount

	if used < cfg.AutoSnoozeCap && count < cfg.AutoSnoozeCap {
		until := now.Add(cfg.AutoSnoozeInterval)
		err := e.retry(ctx, "update_snooze", id, func(ctx context.Context) error {
			return e.store.UpdateSnoozeCount(ctx, id, count+1, until)
		})
		if err != nil {
			return e.writeFailed(ctx, s, cfg, ev.Source, err)
		}
		if err := e.arm(ctx, s, id, until, scheduler.Payload{AutoSnoozesUsed: used + 1, Kind: scheduler.WakeSnooze}); err != nil {
			return e.reopen(s, cfg, "auto-snooze wake not armed; session left ringing", err)
		}
		e.end(ctx, s, AutoSnoozed, Transition{
			SnoozeCount:     count + 1,
			AutoSnoozesUsed: used + 1,
			NextFireAt:      until,
			NextID:          id,
			Source:          ev.Source,
		})
		return AutoSnoozed, nil
	}

	err := e.retry(ctx, "mark_completed", id, func(ctx context.Context) error {
		return e.store.MarkCompleted(ctx, id, reminder.ReasonAutoSnoozed, now)
	})
	if err != nil {
		return e.writeFailed(ctx, s, cfg, ev.Source, err)
	}

	tr := Transition{SnoozeCount: count, AutoSnoozesUsed: used, Source: ev.Source}
	var errs error
	if s.sched.Recurrence.Recurring() && !s.cancelled.Load() {
		nextID, next, err := e.continueRecurrence(ctx, s, cfg, now)
		errs = err
		tr.NextID, tr.NextFireAt = nextID, next
	}
	e.end(ctx, s, Completed, tr)
	return Completed, errs
}

func (e *Engine) dismiss(ctx context.Context, ev Event) (Outcome, error) {
	s := e.lookup(ev.ReminderID, 0)
	if s == nil {
		e.log.Debug("dismiss without ring session ignored", logx.Int64("reminder_id", int64(ev.ReminderID)))
		return Ignored, nil
	}
	if !s.guard.Claim() {
		return Ignored, nil
	}

	cfg := e.Config()
	now := e.now()
	err := e.retry(ctx, "soft_delete", s.id, func(ctx context.Context) error {
		return e.store.SoftDelete(ctx, s.id, now)
	})
	if err != nil {
		return e.writeFailed(ctx, s, cfg, ev.Source, err)
	}
	if err := e.sched.Cancel(ctx, s.id); err != nil {
		e.log.Warn("cancel after dismiss failed", logx.Int64("reminder_id", int64(s.id)), logx.Err(err))
	}
	e.end(ctx, s, Dismissed, Transition{SnoozeCount: s.sched.SnoozeCount, AutoSnoozesUsed: s.autoUsed, Source: ev.Source})
	return Dismissed, nil
}

func (e *Engine) snooze(ctx context.Context, ev Event) (Outcome, error) {
	s := e.lookup(ev.ReminderID, 0)
	if s == nil {
		e.log.Debug("snooze without ring session ignored", logx.Int64("reminder_id", int64(ev.ReminderID)))
		return Ignored, nil
	}
	if !s.guard.Claim() {
		return Ignored, nil
	}

	cfg := e.Config()
	d := ev.Snooze
	if d <= 0 {
		d = cfg.DefaultSnooze
	}
	until := e.now().Add(d)
	count := s.sched.SnoozeCount

	err := e.retry(ctx, "update_snooze", s.id, func(ctx context.Context) error {
		return e.store.UpdateSnoozeCount(ctx, s.id, count+1, until)
	})
	if err != nil {
		return e.writeFailed(ctx, s, cfg, ev.Source, err)
	}
	// Manual snoozes leave the auto-snooze budget untouched.
	if err := e.arm(ctx, s, s.id, until, scheduler.Payload{AutoSnoozesUsed: s.autoUsed, Kind: scheduler.WakeSnooze}); err != nil {
		return e.reopen(s, cfg, "snooze wake not armed; session left ringing", err)
	}
	e.log.Info("snoozed",
		logx.Int64("reminder_id", int64(s.id)),
		logx.Duration("for", d),
		logx.Bool("manual", ev.Manual),
	)
	e.end(ctx, s, ManualSnoozed, Transition{
		SnoozeCount:     count + 1,
		AutoSnoozesUsed: s.autoUsed,
		NextFireAt:      until,
		NextID:          s.id,
		Manual:          ev.Manual,
		Source:          ev.Source,
	})
	return ManualSnoozed, nil
}

func (e *Engine) cancel(ctx context.Context, ev Event) (Outcome, error) {
	id := ev.ReminderID

	var count int
	e.mu.Lock()
	s := e.sessions[id]
	if s != nil {
		count = s.sched.SnoozeCount
	}
	e.mu.Unlock()

	// Flag first so an in-flight winner cancels whatever it arms.
	if s != nil {
		s.cancelled.Store(true)
	}
	err := e.sched.Cancel(ctx, id)
	if err != nil {
		err = fmt.Errorf("alarm: cancel %d: %w", id, err)
	}
	if s != nil && s.guard.Claim() {
		e.end(ctx, s, Cancelled, Transition{SnoozeCount: count, AutoSnoozesUsed: s.autoUsed, Source: ev.Source})
	}
	return Cancelled, err
}

func (e *Engine) continueRecurrence(ctx context.Context, s *session, cfg Config, now time.Time) (reminder.ID, time.Time, error) {
	loc := cfg.Location
	next, err := recurrence.Next(s.sched.DueAt.In(loc), now.In(loc), s.sched.Recurrence)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("alarm: next occurrence of %d: %w", s.id, err)
	}

	var nextID reminder.ID
	err = e.retry(ctx, "insert_next", s.id, func(ctx context.Context) error {
		var err error
		nextID, err = e.store.InsertNextOccurrence(ctx, s.sched.NextOccurrence(next))
		return err
	})
	if err != nil {
		return 0, next, fmt.Errorf("alarm: insert next occurrence of %d: %w", s.id, err)
	}
	if err := e.arm(ctx, s, nextID, next, scheduler.Payload{Kind: scheduler.WakeDue}); err != nil {
		return nextID, next, err
	}
	e.log.Info("next occurrence armed",
		logx.Int64("reminder_id", int64(s.id)),
		logx.Int64("next_id", int64(nextID)),
		logx.Time("fire_at", next),
	)
	return nextID, next, nil
}

// arm re-arms a wake for id. A cancel racing the owning session wins: the
// wake is skipped or cancelled right after arming.
func (e *Engine) arm(ctx context.Context, s *session, id reminder.ID, at time.Time, p scheduler.Payload) error {
	own := id == s.id
	if own && s.cancelled.Load() {
		return nil
	}
	p.ReminderID = id
	res, err := e.sched.Arm(ctx, id, at, p)
	if err != nil {
		return fmt.Errorf("alarm: arm %d: %w", id, err)
	}
	if own && s.cancelled.Load() {
		if err := e.sched.Cancel(ctx, id); err != nil {
			return fmt.Errorf("alarm: cancel %d: %w", id, err)
		}
		return nil
	}
	if res.Degraded {
		e.log.Info("wake armed with degraded accuracy", logx.Int64("reminder_id", int64(id)), logx.Time("fire_at", at))
	}
	return nil
}

// writeFailed handles a store write that failed after the retry. A row that
// vanished ends the session; anything else reopens it and restarts the ring.
func (e *Engine) writeFailed(ctx context.Context, s *session, cfg Config, source string, err error) (Outcome, error) {
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("reminder vanished during ring", logx.Int64("reminder_id", int64(s.id)))
		e.end(ctx, s, Cancelled, Transition{Source: source})
		return Cancelled, nil
	}

	return e.reopen(s, cfg, "store write failed; session left ringing", err)
}

// reopen hands a claimed session back to the ring: the guard is released and
// the ring timer restarts, so a later timeout or user action retries.
func (e *Engine) reopen(s *session, cfg Config, msg string, err error) (Outcome, error) {
	s.guard.Release()
	e.mu.Lock()
	if e.sessions[s.id] == s && !e.closed {
		e.armTimerLocked(s, cfg.RingDuration)
	}
	e.mu.Unlock()
	e.log.Error(msg,
		logx.Int64("reminder_id", int64(s.id)),
		logx.Uint64("session", s.seq),
		logx.Err(err),
	)
	return Ringing, err
}

func (e *Engine) retry(ctx context.Context, op string, id reminder.ID, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	e.log.Warn("store call failed; retrying", logx.String("op", op), logx.Int64("reminder_id", int64(id)), logx.Err(err))

	t := time.NewTimer(e.Config().StoreRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-t.C:
	}
	return fn(ctx)
}

func (e *Engine) load(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error) {
	var (
		sc reminder.Schedule
		ok bool
	)
	err := e.retry(ctx, "get_schedule", id, func(ctx context.Context) error {
		var err error
		sc, ok, err = e.store.GetSchedule(ctx, id)
		return err
	})
	return sc, ok, err
}

// lookup returns the loaded session for id; seq 0 matches any session.
func (e *Engine) lookup(id reminder.ID, seq uint64) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.loaded || (seq != 0 && s.seq != seq) {
		return nil
	}
	return s
}

func (e *Engine) drop(s *session) {
	e.mu.Lock()
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
	e.mu.Unlock()
}

func (e *Engine) armTimerLocked(s *session, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	id, seq := s.id, s.seq
	s.timer = time.AfterFunc(d, func() {
		_, err := e.Handle(context.Background(), Event{Kind: EventRingTimeout, ReminderID: id, Session: seq, Source: "timer"})
		if err != nil {
			e.log.Error("ring timeout failed", logx.Int64("reminder_id", int64(id)), logx.Err(err))
		}
	})
}

// end runs on every session exit.
func (e *Engine) end(ctx context.Context, s *session, out Outcome, tr Transition) {
	e.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if e.sessions[s.id] == s {
		delete(e.sessions, s.id)
	}
	lease := s.lease
	e.mu.Unlock()

	lease.Release()
	e.hide(ctx, s.id)

	tr.ID, tr.Outcome, tr.Session = s.id, out, s.seq
	e.log.Info("session ended",
		logx.Int64("reminder_id", int64(s.id)),
		logx.Uint64("session", s.seq),
		logx.String("outcome", out.String()),
		logx.Duration("rang_for", e.now().Sub(s.started)),
	)
	e.publish(out, tr)
}

func (e *Engine) show(ctx context.Context, r Alert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.ShowRinging(ctx, r); err != nil {
		e.log.Warn("show ringing failed", logx.Int64("reminder_id", int64(r.ID)), logx.Err(err))
	}
}

func (e *Engine) hide(ctx context.Context, id reminder.ID) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.HideRinging(ctx, id); err != nil {
		e.log.Warn("hide ringing failed", logx.Int64("reminder_id", int64(id)), logx.Err(err))
	}
}

var outcomeEvents = map[Outcome]string{
	Ringing:       eventbus.AlarmRinging,
	AutoSnoozed:   eventbus.AlarmAutoSnoozed,
	ManualSnoozed: eventbus.AlarmManualSnoozed,
	Dismissed:     eventbus.AlarmDismissed,
	Completed:     eventbus.AlarmCompleted,
	Cancelled:     eventbus.AlarmCancelled,
}

func (e *Engine) publish(out Outcome, tr Transition) {
	if e.bus == nil {
		return
	}
	typ, ok := outcomeEvents[out]
	if !ok {
		return
	}
	tr.Outcome = out
	if tr.At.IsZero() {
		tr.At = e.now()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: tr.At, Data: tr})
}
