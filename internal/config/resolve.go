package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRingDuration       = 30 * time.Second
	defaultAutoSnoozeInterval = 5 * time.Minute
	defaultAutoSnoozeCap      = 2
	defaultSnooze             = 5 * time.Minute
	defaultStoreRetryDelay    = 200 * time.Millisecond
	defaultExactPerMinute     = 30
	defaultInexactWindow      = time.Minute
	defaultPastTolerance      = time.Second
	defaultPollTimeout        = 10 * time.Second
	defaultBusyTimeout        = 5 * time.Second
)

// AlarmTimings is AlarmConfig with defaults applied.
type AlarmTimings struct {
	RingDuration       time.Duration
	AutoSnoozeInterval time.Duration
	AutoSnoozeCap      int
	DefaultSnooze      time.Duration
	StoreRetryDelay    time.Duration
}

func (a AlarmConfig) Timings() (AlarmTimings, error) {
	var (
		t   AlarmTimings
		err error
	)
	if t.RingDuration, err = ParseDurationOrDefault("alarm.ring_duration", a.RingDuration, defaultRingDuration); err != nil {
		return t, err
	}
	if t.AutoSnoozeInterval, err = ParseDurationOrDefault("alarm.auto_snooze_interval", a.AutoSnoozeInterval, defaultAutoSnoozeInterval); err != nil {
		return t, err
	}
	if t.DefaultSnooze, err = ParseDurationOrDefault("alarm.default_snooze", a.DefaultSnooze, defaultSnooze); err != nil {
		return t, err
	}
	if t.StoreRetryDelay, err = ParseDurationOrDefault("alarm.store_retry_delay", a.StoreRetryDelay, defaultStoreRetryDelay); err != nil {
		return t, err
	}
	t.AutoSnoozeCap = defaultAutoSnoozeCap
	if a.AutoSnoozeCap != nil {
		if *a.AutoSnoozeCap < 0 {
			return t, errors.New("alarm.auto_snooze_cap: must be >= 0")
		}
		t.AutoSnoozeCap = *a.AutoSnoozeCap
	}
	return t, nil
}

// SchedulerSettings is SchedulerConfig with defaults applied.
type SchedulerSettings struct {
	Location       *time.Location
	Exact          bool
	ExactPerMinute int
	InexactWindow  time.Duration
	PastTolerance  time.Duration
}

func (s SchedulerConfig) Settings() (SchedulerSettings, error) {
	var (
		out SchedulerSettings
		err error
	)
	out.Location = time.Local
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if out.Location, err = time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	out.Exact = s.Exact == nil || *s.Exact
	out.ExactPerMinute = s.ExactPerMinute
	if out.ExactPerMinute <= 0 {
		out.ExactPerMinute = defaultExactPerMinute
	}
	if out.InexactWindow, err = ParseDurationOrDefault("scheduler.inexact_window", s.InexactWindow, defaultInexactWindow); err != nil {
		return out, err
	}
	if out.PastTolerance, err = ParseDurationOrDefault("scheduler.past_tolerance", s.PastTolerance, defaultPastTolerance); err != nil {
		return out, err
	}
	return out, nil
}

func (s StorageConfig) BusyTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, defaultBusyTimeout)
}

func (t TelegramConfig) PollTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, defaultPollTimeout)
}

// Validate checks everything Parse cannot: durations, zones, drivers and
// required secrets. It is used at startup and as the reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Alarm.Timings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Scheduler.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storage.BusyTimeoutOrDefault(); err != nil {
		errs = append(errs, err)
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if tg := c.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, errors.New("telegram.chat_ids is required when telegram is enabled"))
		}
		if _, err := tg.PollTimeoutOrDefault(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseDurationField("systemd.watchdog_interval", c.Systemd.WatchdogInterval); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
