package alarm

import (
	"context"
	"fmt"
	"time"

	"alarmd/internal/reminder"
	"alarmd/internal/scheduler"
)

type EventKind int

const (
	EventFire EventKind = iota + 1
	EventRingTimeout
	EventDismiss
	EventSnooze
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventFire:
		return "fire"
	case EventRingTimeout:
		return "ring_timeout"
	case EventDismiss:
		return "dismiss"
	case EventSnooze:
		return "snooze"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the single inbound message consumed by the Engine.
type Event struct {
	Kind       EventKind
	ReminderID reminder.ID

	// Session identifies the ring session a timeout belongs to.
	Session uint64

	// Snooze is the manual snooze duration; 0 means the default interval.
	Snooze time.Duration
	// Manual marks a duration picked in the duration dialog.
	Manual bool

	Payload scheduler.Payload
	Source  string
}

type Outcome int

const (
	Ignored Outcome = iota
	Ringing
	AutoSnoozed
	ManualSnoozed
	Dismissed
	Completed
	Cancelled
)

var outcomeNames = [...]string{"ignored", "ringing", "auto_snoozed", "manual_snoozed", "dismissed", "completed", "cancelled"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Config holds the engine timings. All values are hot-applicable.
type Config struct {
	RingDuration       time.Duration
	AutoSnoozeInterval time.Duration
	// AutoSnoozeCap bounds auto-snoozes per occurrence. Unlike the other
	// fields, 0 is kept as is and disables auto-snooze; start from
	// DefaultConfig to get the default cap.
	AutoSnoozeCap   int
	DefaultSnooze   time.Duration
	StoreRetryDelay time.Duration
	// Location is the zone recurrence arithmetic runs in; nil means time.Local.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		RingDuration:       30 * time.Second,
		AutoSnoozeInterval: 5 * time.Minute,
		AutoSnoozeCap:      2,
		DefaultSnooze:      5 * time.Minute,
		StoreRetryDelay:    200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RingDuration <= 0 {
		c.RingDuration = d.RingDuration
	}
	if c.AutoSnoozeInterval <= 0 {
		c.AutoSnoozeInterval = d.AutoSnoozeInterval
	}
	if c.AutoSnoozeCap < 0 {
		c.AutoSnoozeCap = 0
	}
	if c.DefaultSnooze <= 0 {
		c.DefaultSnooze = d.DefaultSnooze
	}
	if c.StoreRetryDelay < 0 {
		c.StoreRetryDelay = 0
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Store is the persistence subset the engine writes through.
type Store interface {
	GetSchedule(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error)
	MarkCompleted(ctx context.Context, id reminder.ID, reason reminder.Reason, at time.Time) error
	SoftDelete(ctx context.Context, id reminder.ID, at time.Time) error
	UpdateSnoozeCount(ctx context.Context, id reminder.ID, n int, until time.Time) error
	InsertNextOccurrence(ctx context.Context, s reminder.Schedule) (reminder.ID, error)
}

// Arming is the scheduler subset the engine re-arms through.
type Arming interface {
	Arm(ctx context.Context, id reminder.ID, at time.Time, p scheduler.Payload) (scheduler.Result, error)
	Cancel(ctx context.Context, id reminder.ID) error
}

// Alert is what the UI needs to show a ringing alarm.
type Alert struct {
	ID              reminder.ID
	Title           string
	Notes           string
	EscalationLabel string
	Session         uint64
}

type Notifier interface {
	ShowRinging(ctx context.Context, r Alert) error
	HideRinging(ctx context.Context, id reminder.ID) error
}

// Transition is the Data of every alarm.* bus event.
type Transition struct {
	ID              reminder.ID
	Outcome         Outcome
	Session         uint64
	SnoozeCount     int
	AutoSnoozesUsed int
	// NextFireAt and NextID describe the wake armed by this transition, if any.
	NextFireAt time.Time
	NextID     reminder.ID
	// Manual is set on a snooze whose duration came from the duration dialog.
	Manual bool
	Source string
	At     time.Time
}

// EscalationLabel names the n-th consecutive ring of one occurrence (0-based).
func EscalationLabel(n int) string {
	switch {
	case n <= 0:
		return ""
	case n == 1:
		return "Second reminder"
	case n == 2:
		return "Third reminder"
	default:
		return fmt.Sprintf("Reminder #%d", n+1)
	}
}
