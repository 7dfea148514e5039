package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/alarm"
	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

type recordingActions struct {
	calls []string
}

func (r *recordingActions) OnDismissRequested(ctx context.Context, id reminder.ID) (alarm.Outcome, error) {
	r.calls = append(r.calls, "dismiss")
	return alarm.Dismissed, nil
}

func (r *recordingActions) OnSnoozeRequested(ctx context.Context, id reminder.ID, minutes *int) (alarm.Outcome, error) {
	if minutes != nil {
		r.calls = append(r.calls, "snooze-explicit")
	} else {
		r.calls = append(r.calls, "snooze")
	}
	return alarm.ManualSnoozed, nil
}

func (r *recordingActions) OnManualDurationChosen(ctx context.Context, id reminder.ID, minutes int) (alarm.Outcome, error) {
	r.calls = append(r.calls, "duration")
	return alarm.ManualSnoozed, nil
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		in      string
		want    Callback
		wantErr bool
	}{
		{in: "alarm:dismiss:12", want: Callback{Action: ActionDismiss, ID: 12}},
		{in: "alarm:snooze:12", want: Callback{Action: ActionSnooze, ID: 12}},
		{in: "alarm:snooze:12:30", want: Callback{Action: ActionSnooze, ID: 12, Minutes: 30}},
		{in: "alarm:dismiss:12:30", wantErr: true},
		{in: "alarm:snooze:12:0", wantErr: true},
		{in: "alarm:snooze:-1", wantErr: true},
		{in: "alarm:wake:12", wantErr: true},
		{in: "speedtest:run:1", wantErr: true},
		{in: "alarm:dismiss", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCallback(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadCallback)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallbackDataRoundTrip(t *testing.T) {
	for _, m := range []int{0, 10} {
		cb, err := ParseCallback(CallbackData(ActionSnooze, 7, m))
		require.NoError(t, err)
		assert.Equal(t, Callback{Action: ActionSnooze, ID: 7, Minutes: m}, cb)
	}
}

func TestDispatch(t *testing.T) {
	a := &recordingActions{}
	ctx := context.Background()

	out, err := Dispatch(ctx, a, Callback{Action: ActionDismiss, ID: 1})
	require.NoError(t, err)
	assert.Equal(t, alarm.Dismissed, out)

	_, _ = Dispatch(ctx, a, Callback{Action: ActionSnooze, ID: 1})
	_, _ = Dispatch(ctx, a, Callback{Action: ActionSnooze, ID: 1, Minutes: 30})
	assert.Equal(t, []string{"dismiss", "snooze", "duration"}, a.calls)

	_, err = Dispatch(ctx, a, Callback{Action: "bogus", ID: 1})
	assert.ErrorIs(t, err, ErrBadCallback)
}

func TestRingingMarkup(t *testing.T) {
	m := ringingMarkup(42)
	require.Len(t, m.InlineKeyboard, 1)
	var data []string
	for _, b := range m.InlineKeyboard[0] {
		data = append(data, b.Data)
	}
	assert.Equal(t, []string{"alarm:dismiss:42", "alarm:snooze:42", "alarm:snooze:42:10", "alarm:snooze:42:30"}, data)
}

func TestRingingText(t *testing.T) {
	assert.Equal(t, "⏰ Meds\nSecond reminder\n\ntwo pills",
		ringingText(alarm.Alert{Title: "Meds", Notes: "two pills", EscalationLabel: "Second reminder"}))
	assert.Equal(t, "⏰ Reminder", ringingText(alarm.Alert{}))
}

type stubNotifier struct {
	shows, hides int
	err          error
}

func (s *stubNotifier) ShowRinging(context.Context, alarm.Alert) error { s.shows++; return s.err }
func (s *stubNotifier) HideRinging(context.Context, reminder.ID) error { s.hides++; return s.err }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &stubNotifier{}
	bad := &stubNotifier{err: boom}
	m := Multi{bad, nil, ok}

	err := m.ShowRinging(context.Background(), alarm.Alert{ID: 1})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, Multi{ok}.HideRinging(context.Background(), 1))
	assert.Equal(t, 1, bad.shows)
	assert.Equal(t, 1, ok.shows)
	assert.Equal(t, 1, ok.hides)
}

func TestAnswerText(t *testing.T) {
	assert.Equal(t, "Alarm already handled", answerText(alarm.Ignored, nil))
	assert.Equal(t, "Dismissed", answerText(alarm.Dismissed, nil))
	assert.Equal(t, "Failed, try again", answerText(alarm.Ringing, errors.New("x")))
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{}, &recordingActions{}, logx.Nop())
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "x"}, &recordingActions{}, logx.Nop())
	assert.Error(t, err)
}
