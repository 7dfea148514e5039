// Package notify raises and clears ringing alarms on user-facing surfaces and
// routes the user's answers back into the alarm engine.
//
// Implementations must not block for long: the engine calls them inline and
// only logs their errors.
package notify

import (
	"context"
	"errors"

	"alarmd/internal/alarm"
	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

type Notifier interface {
	ShowRinging(ctx context.Context, r alarm.Alert) error
	HideRinging(ctx context.Context, id reminder.ID) error
}

// Actions is the inbound side, implemented by *alarm.Engine.
type Actions interface {
	OnDismissRequested(ctx context.Context, id reminder.ID) (alarm.Outcome, error)
	OnSnoozeRequested(ctx context.Context, id reminder.ID, minutes *int) (alarm.Outcome, error)
	OnManualDurationChosen(ctx context.Context, id reminder.ID, minutes int) (alarm.Outcome, error)
}

// Console logs ringing alarms.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log}
}

func (c *Console) ShowRinging(ctx context.Context, r alarm.Alert) error {
	c.log.Warn("ALARM",
		logx.Int64("reminder_id", int64(r.ID)),
		logx.String("title", r.Title),
		logx.String("notes", r.Notes),
		logx.String("label", r.EscalationLabel),
		logx.Uint64("session", r.Session),
	)
	return nil
}

func (c *Console) HideRinging(ctx context.Context, id reminder.ID) error {
	c.log.Info("alarm cleared", logx.Int64("reminder_id", int64(id)))
	return nil
}

// Multi fans out to every notifier; one failure does not stop the others.
type Multi []Notifier

func (m Multi) ShowRinging(ctx context.Context, r alarm.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.ShowRinging(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) HideRinging(ctx context.Context, id reminder.ID) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.HideRinging(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
