package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m"). Empty or
// "0s" means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Alarm     AlarmConfig     `json:"alarm"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alarmd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// CompactEvery is the number of journal writes between snapshots (file).
	CompactEvery int `json:"compact_every,omitempty"`
}

// AlarmConfig holds the ring-session timings. Changes apply live.
//
// Defaults:
//   - ring_duration: 30s
//   - auto_snooze_interval: 5m
//   - auto_snooze_cap: 2
//   - default_snooze: 5m
//   - store_retry_delay: 200ms
type AlarmConfig struct {
	RingDuration       string `json:"ring_duration,omitempty"`
	AutoSnoozeInterval string `json:"auto_snooze_interval,omitempty"`
	// AutoSnoozeCap is a pointer so an explicit 0 (never auto-snooze) is
	// distinguishable from "omitted".
	AutoSnoozeCap   *int   `json:"auto_snooze_cap,omitempty"`
	DefaultSnooze   string `json:"default_snooze,omitempty"`
	StoreRetryDelay string `json:"store_retry_delay,omitempty"`
}

// SchedulerConfig controls the wake timer facility.
//
// Defaults:
//   - timezone: local
//   - exact: true
//   - exact_per_minute: 30
//   - inexact_window: 1m
//   - past_tolerance: 1s
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	Exact          *bool  `json:"exact,omitempty"`
	ExactPerMinute int    `json:"exact_per_minute,omitempty"`
	InexactWindow  string `json:"inexact_window,omitempty"`
	PastTolerance  string `json:"past_tolerance,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// ChatIDs receive the ringing messages.
	ChatIDs []int64 `json:"chat_ids"`
	// OwnerUserIDs may press the alarm buttons; empty allows anyone in ChatIDs.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STATUS/WATCHDOG to $NOTIFY_SOCKET.
	Notify bool `json:"notify"`
	// WatchdogInterval overrides the interval derived from $WATCHDOG_USEC.
	WatchdogInterval string `json:"watchdog_interval,omitempty"`
}
