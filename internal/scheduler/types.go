package scheduler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"alarmd/internal/reminder"
)

var (
	ErrPastDue      = errors.New("scheduler: fire time is in the past")
	ErrIDOutOfRange = errors.New("scheduler: reminder id outside native key space")
	ErrExactDenied  = errors.New("scheduler: exact timing denied")
	ErrNoPlatform   = errors.New("scheduler: no platform configured")
)

// Platform is the timer facility the scheduler drives. Implementations must
// replace any pending event when Arm* is called again for the same native id.
type Platform interface {
	ExactAllowed() bool
	ArmExact(native int32, at time.Time, payload []byte) error
	ArmInexact(native int32, at time.Time, payload []byte) error
	Cancel(native int32) error
	SetFireHandler(fn func(native int32, payload []byte))
}

// WakeKind tells the engine why a wake event was armed.
type WakeKind string

const (
	WakeDue    WakeKind = "due"
	WakeSnooze WakeKind = "snooze"
	WakeBoot   WakeKind = "boot"
)

// Payload travels with a wake event through the platform and back.
type Payload struct {
	ReminderID      reminder.ID `json:"id"`
	Generation      uint64      `json:"gen,omitempty"`
	AutoSnoozesUsed int         `json:"auto_snoozes,omitempty"`
	Kind            WakeKind    `json:"kind,omitempty"`
}

// Result describes an armed wake event.
type Result struct {
	ID       reminder.ID
	Native   int32
	FireAt   time.Time
	Degraded bool
}

// Config controls the scheduler.
type Config struct {
	// PastTolerance lets Arm accept fire times slightly behind the clock.
	PastTolerance time.Duration
}

// NativeID maps a reminder id onto the platform key space.
//
// The mapping is the identity on [1, MaxInt32]; ids outside that range are
// not schedulable. Being the identity it is collision-free and reversible.
func NativeID(id reminder.ID) (int32, error) {
	if id < 1 || id > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrIDOutOfRange, id)
	}
	return int32(id), nil
}

// ReminderID reverses NativeID.
func ReminderID(native int32) reminder.ID { return reminder.ID(native) }
