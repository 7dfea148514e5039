package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/reminder"
)

func TestParseRemind(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 4, 10, 18, 15, 0, 0, loc)

	tests := []struct {
		name    string
		in      string
		due     time.Time
		rec     reminder.RecurrenceType
		title   string
		wantErr bool
	}{
		{name: "duration", in: "30m stretch legs", due: now.Add(30 * time.Minute), title: "stretch legs"},
		{name: "clock later today", in: "21:00 call mum", due: time.Date(2026, 4, 10, 21, 0, 0, 0, loc), title: "call mum"},
		{name: "clock rolls to tomorrow", in: "07:30 daily meds", due: time.Date(2026, 4, 11, 7, 30, 0, 0, loc), rec: reminder.Daily, title: "meds"},
		{name: "rfc3339", in: "2026-05-01T09:00:00Z weekly standup notes", due: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), rec: reminder.Weekly, title: "standup notes"},
		{name: "recurrence word only as title", in: "1h daily", wantErr: true},
		{name: "empty", in: "  ", wantErr: true},
		{name: "no title", in: "45m", wantErr: true},
		{name: "negative duration", in: "-5m late", wantErr: true},
		{name: "garbage time", in: "soon walk", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := ParseRemind(tt.in, now, loc)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadCommand)
				return
			}
			require.NoError(t, err)
			assert.True(t, sc.DueAt.Equal(tt.due), "due %s, want %s", sc.DueAt, tt.due)
			assert.Equal(t, tt.rec, sc.Recurrence.Type)
			if tt.rec != reminder.None {
				assert.Equal(t, 1, sc.Recurrence.Interval)
			}
			assert.Equal(t, tt.title, sc.Title)
		})
	}
}

func TestParseCancel(t *testing.T) {
	id, err := ParseCancel("17")
	require.NoError(t, err)
	assert.Equal(t, reminder.ID(17), id)

	id, err = ParseCancel(" #3 ")
	require.NoError(t, err)
	assert.Equal(t, reminder.ID(3), id)

	for _, in := range []string{"", "0", "-2", "abc", "1 2"} {
		_, err := ParseCancel(in)
		assert.ErrorIs(t, err, ErrBadCommand, "input %q", in)
	}
}

func TestRemindedText(t *testing.T) {
	sc := reminder.Schedule{
		Title:      "meds",
		DueAt:      time.Date(2026, 4, 11, 7, 30, 0, 0, time.UTC),
		Recurrence: reminder.Recurrence{Type: reminder.Daily, Interval: 1},
	}
	assert.Equal(t, "Reminder #9 set for Sat 11 Apr 07:30: meds (daily)", remindedText(9, sc, time.UTC))
}
