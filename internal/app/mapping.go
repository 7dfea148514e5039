package app

import (
	"strings"

	"alarmd/internal/alarm"
	"alarmd/internal/boot"
	"alarmd/internal/config"
	"alarmd/internal/notify"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	"alarmd/internal/waketimer"
	logx "alarmd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := cfg.Storage.BusyTimeoutOrDefault()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:  busy,
		CompactEvery: cfg.Storage.CompactEvery,
	}, nil
}

func mapAlarmConfig(cfg *config.Config) (alarm.Config, error) {
	t, err := cfg.Alarm.Timings()
	if err != nil {
		return alarm.Config{}, err
	}
	s, err := cfg.Scheduler.Settings()
	if err != nil {
		return alarm.Config{}, err
	}
	return alarm.Config{
		RingDuration:       t.RingDuration,
		AutoSnoozeInterval: t.AutoSnoozeInterval,
		AutoSnoozeCap:      t.AutoSnoozeCap,
		DefaultSnooze:      t.DefaultSnooze,
		StoreRetryDelay:    t.StoreRetryDelay,
		Location:           s.Location,
	}, nil
}

func mapTimerConfig(s config.SchedulerSettings) waketimer.Config {
	return waketimer.Config{
		Exact:          s.Exact,
		ExactPerMinute: s.ExactPerMinute,
		InexactWindow:  s.InexactWindow,
		Location:       s.Location,
	}
}

func mapSchedulerConfig(s config.SchedulerSettings) scheduler.Config {
	return scheduler.Config{PastTolerance: s.PastTolerance}
}

func mapBootConfig(ac alarm.Config) boot.Config {
	return boot.Config{AutoSnoozeCap: ac.AutoSnoozeCap}
}

// mapTelegramConfig returns ok=false when Telegram is not enabled.
func mapTelegramConfig(cfg *config.Config) (notify.TelegramConfig, bool, error) {
	tg := cfg.Telegram
	if tg == nil || !tg.Enabled {
		return notify.TelegramConfig{}, false, nil
	}
	poll, err := tg.PollTimeoutOrDefault()
	if err != nil {
		return notify.TelegramConfig{}, false, err
	}
	s, err := cfg.Scheduler.Settings()
	if err != nil {
		return notify.TelegramConfig{}, false, err
	}
	return notify.TelegramConfig{
		Token:          strings.TrimSpace(tg.Token),
		ChatIDs:        tg.ChatIDs,
		PollTimeout:    poll,
		AllowedUserIDs: tg.OwnerUserIDs,
		Location:       s.Location,
	}, true, nil
}
