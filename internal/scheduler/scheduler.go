package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

const defaultPastTolerance = time.Second

// maxCancelled bounds the ids remembered for dropping late fires.
const maxCancelled = 1024

type armed struct {
	gen uint64
	at  time.Time
}

type cancelMark struct {
	id  reminder.ID
	seq uint64
}

type Scheduler struct {
	cfg      Config
	platform Platform
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu        sync.Mutex
	gen       uint64
	pending   map[reminder.ID]armed
	cancelled map[reminder.ID]uint64
	cancelSeq uint64
	order     []cancelMark
	handler   func(ctx context.Context, id reminder.ID, p Payload)
}

func New(cfg Config, platform Platform, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PastTolerance <= 0 {
		cfg.PastTolerance = defaultPastTolerance
	}
	s := &Scheduler{
		cfg:       cfg,
		platform:  platform,
		log:       log,
		bus:       bus,
		now:       time.Now,
		pending:   map[reminder.ID]armed{},
		cancelled: map[reminder.ID]uint64{},
	}
	if platform != nil {
		platform.SetFireHandler(s.onFire)
	}
	return s
}

// SetClock overrides the time source (tests).
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetHandler installs the receiver of platform fires (the alarm engine).
func (s *Scheduler) SetHandler(fn func(ctx context.Context, id reminder.ID, p Payload)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Arm replaces any pending wake event for id with one at `at`.
//
// When the platform denies exact timing the event is still armed, inexact,
// and the returned Result has Degraded set.
func (s *Scheduler) Arm(ctx context.Context, id reminder.ID, at time.Time, p Payload) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if s.platform == nil {
		return Result{}, ErrNoPlatform
	}
	native, err := NativeID(id)
	if err != nil {
		return Result{}, err
	}
	if err := s.CheckDue(at); err != nil {
		return Result{}, fmt.Errorf("id=%d: %w", id, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	prev, replaced := s.pending[id]
	s.pending[id] = armed{gen: gen, at: at}
	delete(s.cancelled, id)
	s.mu.Unlock()

	p.ReminderID = id
	p.Generation = gen
	raw, err := json.Marshal(p)
	if err != nil {
		s.rollback(id, gen, prev, replaced)
		return Result{}, err
	}

	res := Result{ID: id, Native: native, FireAt: at}
	if s.platform.ExactAllowed() {
		err = s.platform.ArmExact(native, at, raw)
		if errors.Is(err, ErrExactDenied) {
			res.Degraded = true
			err = s.platform.ArmInexact(native, at, raw)
		}
	} else {
		res.Degraded = true
		err = s.platform.ArmInexact(native, at, raw)
	}
	if err != nil {
		s.rollback(id, gen, prev, replaced)
		return Result{}, fmt.Errorf("arm %d: %w", id, err)
	}

	if res.Degraded {
		s.log.Warn("exact timing denied; armed best-effort",
			logx.Int64("reminder_id", int64(id)), logx.Time("fire_at", at))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleDegraded, Data: res})
		}
	}
	s.log.Debug("wake armed",
		logx.Int64("reminder_id", int64(id)),
		logx.Time("fire_at", at),
		logx.Uint64("gen", gen),
		logx.Bool("replaced", replaced),
		logx.String("kind", string(p.Kind)),
	)
	return res, nil
}

// CheckDue reports ErrPastDue when at is further in the past than Arm accepts.
func (s *Scheduler) CheckDue(at time.Time) error {
	now := s.now()
	if at.Before(now.Add(-s.cfg.PastTolerance)) {
		return fmt.Errorf("%w: at=%s now=%s", ErrPastDue, at.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

func (s *Scheduler) rollback(id reminder.ID, gen uint64, prev armed, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[id]; !ok || cur.gen != gen {
		return
	}
	if hadPrev {
		s.pending[id] = prev
	} else {
		delete(s.pending, id)
	}
}

// Cancel removes any pending wake event for id. It is a no-op if none exists.
func (s *Scheduler) Cancel(ctx context.Context, id reminder.ID) error {
	_ = ctx
	native, err := NativeID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, had := s.pending[id]
	delete(s.pending, id)
	s.markCancelledLocked(id)
	s.mu.Unlock()

	if s.platform != nil {
		if err := s.platform.Cancel(native); err != nil {
			return fmt.Errorf("cancel %d: %w", id, err)
		}
	}
	if had {
		s.log.Debug("wake cancelled", logx.Int64("reminder_id", int64(id)))
	}
	return nil
}

// markCancelledLocked remembers id so a fire racing the cancel is dropped.
// Only the newest maxCancelled ids are kept.
func (s *Scheduler) markCancelledLocked(id reminder.ID) {
	s.cancelSeq++
	s.cancelled[id] = s.cancelSeq
	s.order = append(s.order, cancelMark{id: id, seq: s.cancelSeq})

	for len(s.cancelled) > maxCancelled && len(s.order) > 0 {
		m := s.order[0]
		s.order = s.order[1:]
		if s.cancelled[m.id] == m.seq {
			delete(s.cancelled, m.id)
		}
	}
	if len(s.order) > 2*maxCancelled {
		live := make([]cancelMark, 0, len(s.cancelled))
		for _, m := range s.order {
			if seq, ok := s.cancelled[m.id]; ok && seq == m.seq {
				live = append(live, m)
			}
		}
		s.order = live
	}
}

// Pending reports the fire time of the currently armed event for id.
func (s *Scheduler) Pending(id reminder.ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[id]
	return a.at, ok
}

func (s *Scheduler) onFire(native int32, raw []byte) {
	id := ReminderID(native)
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			s.log.Warn("wake payload undecodable; firing without it", logx.Int64("reminder_id", int64(id)), logx.Err(err))
			p = Payload{}
		}
	}
	p.ReminderID = id

	s.mu.Lock()
	_, wasCancelled := s.cancelled[id]
	cur, known := s.pending[id]
	stale := known && p.Generation != 0 && cur.gen != p.Generation
	switch {
	case wasCancelled:
		// One late delivery per cancel; later fires are forwarded.
		delete(s.cancelled, id)
	case !stale:
		delete(s.pending, id)
	}
	h := s.handler
	s.mu.Unlock()

	switch {
	case wasCancelled:
		s.log.Debug("fire for cancelled id dropped", logx.Int64("reminder_id", int64(id)))
		return
	case stale:
		s.log.Debug("stale fire dropped", logx.Int64("reminder_id", int64(id)), logx.Uint64("gen", p.Generation), logx.Uint64("current", cur.gen))
		return
	case h == nil:
		s.log.Warn("fire without handler", logx.Int64("reminder_id", int64(id)))
		return
	}
	h(context.Background(), id, p)
}
