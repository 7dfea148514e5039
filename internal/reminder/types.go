package reminder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is the stable 64-bit reminder identifier assigned by the store.
type ID int64

type RecurrenceType int

const (
	None RecurrenceType = iota
	Hourly
	Daily
	Weekly
	Monthly
	Annual
)

var recurrenceNames = [...]string{"NONE", "HOURLY", "DAILY", "WEEKLY", "MONTHLY", "ANNUAL"}

func (t RecurrenceType) String() string {
	if t < 0 || int(t) >= len(recurrenceNames) {
		return fmt.Sprintf("RecurrenceType(%d)", int(t))
	}
	return recurrenceNames[t]
}

// ParseRecurrenceType accepts the upper- or lower-case names. Empty means NONE.
func ParseRecurrenceType(s string) (RecurrenceType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return None, nil
	}
	for i, n := range recurrenceNames {
		if n == s {
			return RecurrenceType(i), nil
		}
	}
	return None, fmt.Errorf("unknown recurrence type %q", s)
}

func (t RecurrenceType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *RecurrenceType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseRecurrenceType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Recurrence describes how a reminder repeats.
type Recurrence struct {
	Type            RecurrenceType `json:"type"`
	Interval        int            `json:"interval,omitempty"`
	AnchorDayOfWeek *time.Weekday  `json:"anchor_day_of_week,omitempty"`
}

func (r Recurrence) Recurring() bool { return r.Type != None }

// RingState is the alarm engine state for a reminder. Only the terminal
// states are ever persisted.
type RingState int

const (
	Idle RingState = iota
	Ringing
	Snoozed
	Dismissed
	Completed
)

var ringStateNames = [...]string{"IDLE", "RINGING", "SNOOZED", "DISMISSED", "COMPLETED"}

func (s RingState) String() string {
	if s < 0 || int(s) >= len(ringStateNames) {
		return fmt.Sprintf("RingState(%d)", int(s))
	}
	return ringStateNames[s]
}

func ParseRingState(s string) (RingState, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Idle, nil
	}
	for i, n := range ringStateNames {
		if n == s {
			return RingState(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown ring state %q", s)
}

func (s RingState) Terminal() bool { return s == Dismissed || s == Completed }

func (s RingState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *RingState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseRingState(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Reason records why a ring session ended in a terminal state.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonManual      Reason = "MANUAL"
	ReasonAutoSnoozed Reason = "AUTO_SNOOZED"
)

// Schedule is one persisted reminder row.
//
// DueAt is the occurrence instant and is not moved by snoozes; a snoozed
// occurrence carries its re-arm instant in SnoozedUntil instead.
type Schedule struct {
	ID               ID         `json:"id"`
	Title            string     `json:"title,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	DueAt            time.Time  `json:"due_at"`
	SnoozedUntil     time.Time  `json:"snoozed_until,omitzero"`
	Recurrence       Recurrence `json:"recurrence"`
	RecurringGroupID string     `json:"recurring_group_id,omitempty"`
	SnoozeCount      int        `json:"snooze_count"`
	State            RingState  `json:"state"`
	Reason           Reason     `json:"reason,omitempty"`
	CompletedAt      time.Time  `json:"completed_at,omitzero"`
	DeletedAt        time.Time  `json:"deleted_at,omitzero"`
}

// FireAt is the instant the next wake event for this row should fire.
func (s Schedule) FireAt() time.Time {
	if !s.SnoozedUntil.IsZero() {
		return s.SnoozedUntil
	}
	return s.DueAt
}

// Terminal reports whether the row has a recorded outcome or was removed.
func (s Schedule) Terminal() bool {
	return s.State.Terminal() || !s.DeletedAt.IsZero()
}

// NextOccurrence returns a fresh row for the same recurring group, due at next.
func (s Schedule) NextOccurrence(next time.Time) Schedule {
	return Schedule{
		Title:            s.Title,
		Notes:            s.Notes,
		DueAt:            next,
		Recurrence:       s.Recurrence,
		RecurringGroupID: s.RecurringGroupID,
	}
}
