package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

var ErrBadCommand = errors.New("notify: malformed command")

const (
	remindUsage = "usage: /remind <30m|HH:MM|RFC3339> [hourly|daily|weekly|monthly|annual] <title>"
	cancelUsage = "usage: /cancel <id>"
)

// Reminders creates and removes reminders on behalf of chat commands.
type Reminders interface {
	AddReminder(ctx context.Context, sc reminder.Schedule) (reminder.ID, error)
	DeleteReminder(ctx context.Context, id reminder.ID) error
}

// ParseRemind decodes the /remind payload. The first word is the due time:
// a Go duration from now, a wall-clock HH:MM (its next occurrence in loc), or
// an RFC3339 instant. An optional recurrence word and the title follow.
func ParseRemind(payload string, now time.Time, loc *time.Location) (reminder.Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return reminder.Schedule{}, fmt.Errorf("%w: %s", ErrBadCommand, remindUsage)
	}

	due, err := parseWhen(fields[0], now, loc)
	if err != nil {
		return reminder.Schedule{}, err
	}
	sc := reminder.Schedule{DueAt: due}
	rest := fields[1:]
	if len(rest) > 0 {
		if rt, err := reminder.ParseRecurrenceType(rest[0]); err == nil && rt != reminder.None {
			sc.Recurrence = reminder.Recurrence{Type: rt, Interval: 1}
			rest = rest[1:]
		}
	}
	if len(rest) == 0 {
		return reminder.Schedule{}, fmt.Errorf("%w: title is empty", ErrBadCommand)
	}
	sc.Title = strings.Join(rest, " ")
	return sc, nil
}

func parseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("%w: duration must be positive: %q", ErrBadCommand, s)
		}
		return now.Add(d), nil
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(local) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: bad time %q", ErrBadCommand, s)
}

func ParseCancel(payload string) (reminder.ID, error) {
	fields := strings.Fields(payload)
	if len(fields) != 1 {
		return 0, fmt.Errorf("%w: %s", ErrBadCommand, cancelUsage)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad id %q", ErrBadCommand, fields[0])
	}
	return reminder.ID(id), nil
}

// SetReminders enables the /remind and /cancel commands. It must be called
// before Start.
func (t *Telegram) SetReminders(r Reminders) {
	t.runMu.Lock()
	t.reminders = r
	t.runMu.Unlock()
}

func (t *Telegram) handleCommands(ctx context.Context, r Reminders) {
	t.bot.Handle("/remind", func(c tele.Context) error {
		if !t.allowed(c.Sender()) {
			return c.Send("Not allowed")
		}
		sc, err := ParseRemind(c.Message().Payload, time.Now(), t.cfg.Location)
		if err != nil {
			return c.Send(remindUsage)
		}
		id, err := r.AddReminder(ctx, sc)
		if err != nil {
			t.log.Warn("remind command failed", logx.String("title", sc.Title), logx.Err(err))
			return c.Send("Could not add reminder: " + err.Error())
		}
		return c.Send(remindedText(id, sc, t.cfg.Location))
	})

	t.bot.Handle("/cancel", func(c tele.Context) error {
		if !t.allowed(c.Sender()) {
			return c.Send("Not allowed")
		}
		id, err := ParseCancel(c.Message().Payload)
		if err != nil {
			return c.Send(cancelUsage)
		}
		if err := r.DeleteReminder(ctx, id); err != nil {
			t.log.Warn("cancel command failed", logx.Int64("reminder_id", int64(id)), logx.Err(err))
			return c.Send("Could not cancel reminder: " + err.Error())
		}
		return c.Send(fmt.Sprintf("Reminder #%d cancelled", id))
	})
}

func remindedText(id reminder.ID, sc reminder.Schedule, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	s := fmt.Sprintf("Reminder #%d set for %s: %s", id, sc.DueAt.In(loc).Format("Mon 2 Jan 15:04"), sc.Title)
	if sc.Recurrence.Recurring() {
		s += " (" + strings.ToLower(sc.Recurrence.Type.String()) + ")"
	}
	return s
}
