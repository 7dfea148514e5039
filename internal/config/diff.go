package config

import (
	"reflect"
	"strings"

	logx "alarmd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging (never includes secrets like tokens).
//
// Storage and systemd changes need a restart; the caller decides what to do
// with them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alarm, newCfg.Alarm) {
		changed = append(changed, "alarm")
		if t, err := newCfg.Alarm.Timings(); err == nil {
			attrs = append(attrs,
				logx.Duration("alarm.ring_duration", t.RingDuration),
				logx.Duration("alarm.auto_snooze_interval", t.AutoSnoozeInterval),
				logx.Int("alarm.auto_snooze_cap", t.AutoSnoozeCap),
				logx.Duration("alarm.default_snooze", t.DefaultSnooze),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		if s, err := newCfg.Scheduler.Settings(); err == nil {
			attrs = append(attrs,
				logx.String("scheduler.timezone", s.Location.String()),
				logx.Bool("scheduler.exact", s.Exact),
				logx.Int("scheduler.exact_per_minute", s.ExactPerMinute),
				logx.Duration("scheduler.inexact_window", s.InexactWindow),
			)
		}
	}

	// Telegram (never log token)
	oTG, nTG := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if !reflect.DeepEqual(oTG, nTG) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nTG.Enabled),
			logx.Bool("telegram.token_changed", strings.TrimSpace(oTG.Token) != strings.TrimSpace(nTG.Token)),
			logx.Int("telegram.chat_count", len(nTG.ChatIDs)),
			logx.Int("telegram.owner_count", len(nTG.OwnerUserIDs)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.String("systemd.watchdog_interval", newCfg.Systemd.WatchdogInterval),
		)
	}

	return changed, attrs
}

// RestartRequired reports whether any of the changed sections cannot be
// applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "telegram", "systemd":
			return true
		}
	}
	return false
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}
