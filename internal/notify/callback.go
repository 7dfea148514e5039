package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"alarmd/internal/alarm"
	"alarmd/internal/reminder"
)

const callbackPrefix = "alarm"

var ErrBadCallback = errors.New("notify: malformed callback data")

type CallbackAction string

const (
	ActionDismiss CallbackAction = "dismiss"
	ActionSnooze  CallbackAction = "snooze"
)

// Callback is a decoded inline button press.
type Callback struct {
	Action CallbackAction
	ID     reminder.ID
	// Minutes is set for an explicit snooze duration.
	Minutes int
}

// CallbackData formats "alarm:<action>:<id>[:<minutes>]".
func CallbackData(action CallbackAction, id reminder.ID, minutes int) string {
	s := callbackPrefix + ":" + string(action) + ":" + strconv.FormatInt(int64(id), 10)
	if minutes > 0 {
		s += ":" + strconv.Itoa(minutes)
	}
	return s
}

func ParseCallback(data string) (Callback, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != callbackPrefix {
		return Callback{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
	}
	cb := Callback{Action: CallbackAction(parts[1])}
	switch cb.Action {
	case ActionDismiss:
		if len(parts) != 3 {
			return Callback{}, fmt.Errorf("%w: %q", ErrBadCallback, data)
		}
	case ActionSnooze:
	default:
		return Callback{}, fmt.Errorf("%w: unknown action %q", ErrBadCallback, parts[1])
	}

	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return Callback{}, fmt.Errorf("%w: bad id %q", ErrBadCallback, parts[2])
	}
	cb.ID = reminder.ID(id)

	if len(parts) == 4 {
		m, err := strconv.Atoi(parts[3])
		if err != nil || m <= 0 {
			return Callback{}, fmt.Errorf("%w: bad minutes %q", ErrBadCallback, parts[3])
		}
		cb.Minutes = m
	}
	return cb, nil
}

// Dispatch routes a decoded callback into the engine.
func Dispatch(ctx context.Context, a Actions, cb Callback) (alarm.Outcome, error) {
	switch {
	case cb.Action == ActionDismiss:
		return a.OnDismissRequested(ctx, cb.ID)
	case cb.Action == ActionSnooze && cb.Minutes > 0:
		return a.OnManualDurationChosen(ctx, cb.ID, cb.Minutes)
	case cb.Action == ActionSnooze:
		return a.OnSnoozeRequested(ctx, cb.ID, nil)
	default:
		return alarm.Ignored, fmt.Errorf("%w: unknown action %q", ErrBadCallback, cb.Action)
	}
}

// answerText is the toast shown for a button press.
func answerText(out alarm.Outcome, err error) string {
	if err != nil {
		return "Failed, try again"
	}
	switch out {
	case alarm.Dismissed:
		return "Dismissed"
	case alarm.ManualSnoozed:
		return "Snoozed"
	case alarm.Ignored:
		return "Alarm already handled"
	default:
		return out.String()
	}
}
