package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/boot"
	"alarmd/internal/config"
	"alarmd/internal/eventbus"
	"alarmd/internal/notify"
	"alarmd/internal/reminder"
	"alarmd/internal/runtime/supervisor"
	"alarmd/internal/scheduler"
	"alarmd/internal/storage"
	"alarmd/internal/waketimer"
	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	timer  *waketimer.Timer
	sched  *scheduler.Scheduler
	engine *alarm.Engine
	boot   *boot.Reconciler
	leases *alarm.Leases

	telegram *notify.Telegram
	sd       *systemd.Notifier

	watchdogOverride time.Duration
	bootID           func() string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(cfg, logSvc, root, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// build wires everything below the config and storage layers.
func build(cfg *config.Config, logSvc *logx.Service, root logx.Logger, store storage.Store) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	settings, err := cfg.Scheduler.Settings()
	if err != nil {
		return nil, err
	}
	ac, err := mapAlarmConfig(cfg)
	if err != nil {
		return nil, err
	}
	watchdog, err := config.ParseDurationField("systemd.watchdog_interval", cfg.Systemd.WatchdogInterval)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sd := systemd.New(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd")))

	timer := waketimer.New(mapTimerConfig(settings), root.With(logx.String("comp", "waketimer")))
	sched := scheduler.New(mapSchedulerConfig(settings), timer, root.With(logx.String("comp", "scheduler")), bus)

	notifiers := notify.Multi{notify.NewConsole(root.With(logx.String("comp", "notify")))}
	var tg *notify.Telegram
	if tc, ok, err := mapTelegramConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		tg, err = notify.NewTelegram(tc, nil, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
	}

	leases := alarm.NewLeases(func(active int) { sd.Status(statusLine(active)) })
	engine := alarm.New(ac, alarm.Deps{
		Store:     store,
		Scheduler: sched,
		Notifier:  notifiers,
		Leases:    leases,
		Bus:       bus,
		Logger:    root.With(logx.String("comp", "alarm")),
	})
	sched.SetHandler(engine.OnFire)
	if tg != nil {
		tg.SetActions(engine)
	}

	rec := boot.New(mapBootConfig(ac), store, sched, root.With(logx.String("comp", "boot")), bus)

	a := &App{
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		timer:            timer,
		sched:            sched,
		engine:           engine,
		boot:             rec,
		leases:           leases,
		telegram:         tg,
		sd:               sd,
		watchdogOverride: watchdog,
		bootID:           boot.BootID,
	}
	if tg != nil {
		tg.SetReminders(a)
	}
	return a, nil
}

func statusLine(active int) string {
	if active == 0 {
		return "idle"
	}
	return fmt.Sprintf("ringing: %d", active)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// Parse and Validate already ran; this rejects what the live
		// components would refuse to apply.
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapAlarmConfig(cfg); err != nil {
				return err
			}
			_, _, err := mapTelegramConfig(cfg)
			return err
		})
	}

	a.timer.Start()

	report, err := a.boot.Reconcile(a.sup.Context(), a.bootID())
	if err != nil {
		a.log.Warn("boot reconcile incomplete", logx.Err(err))
	}
	a.log.Info("boot reconciled",
		logx.String("boot_id", report.BootID),
		logx.Int("armed", report.Armed),
		logx.Int("stale", report.Stale),
		logx.Int("degraded", report.Degraded),
	)

	if a.telegram != nil {
		if err := a.telegram.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	if interval, ok := a.sd.WatchdogInterval(a.watchdogOverride); ok {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.RunWatchdog(c, interval)
		})
		a.log.Debug("watchdog enabled", logx.Duration("interval", interval))
	}

	a.sd.Ready()
	a.sd.Status(statusLine(a.leases.Active()))
	a.log.Info("app started")
	return nil
}

// applyConfig pushes the live-applicable sections into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RestartRequired(sections) {
		a.log.Warn("config changes need a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ac, err := mapAlarmConfig(newCfg); err != nil {
		a.log.Warn("invalid alarm config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ac)
	}
	if s, err := newCfg.Scheduler.Settings(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.timer.SetExact(s.Exact)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// AddReminder stores sc and arms its first wake. A fire time already in the
// past is rejected before anything is stored.
func (a *App) AddReminder(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	if err := a.sched.CheckDue(sc.FireAt()); err != nil {
		return 0, fmt.Errorf("add reminder %q: %w", sc.Title, err)
	}
	id, err := a.store.SaveSchedule(ctx, sc)
	if err != nil {
		return 0, err
	}
	sc.ID = id
	used := min(sc.SnoozeCount, a.engine.Config().AutoSnoozeCap)
	if _, err := a.sched.Arm(ctx, id, sc.FireAt(), scheduler.Payload{AutoSnoozesUsed: used, Kind: scheduler.WakeDue}); err != nil {
		return id, fmt.Errorf("arm reminder %d: %w", id, err)
	}
	return id, nil
}

// DeleteReminder removes id and any pending or ringing alarm for it.
func (a *App) DeleteReminder(ctx context.Context, id reminder.ID) error {
	_, err := a.engine.Delete(ctx, id)
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.sup.Cancel()

	var errs []error
	// step bounds one shutdown action so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	if a.telegram != nil {
		step("telegram", 2*time.Second, a.telegram.Stop)
	}
	step("alarm", time.Second, func(context.Context) error { a.engine.Close(); return nil })
	step("waketimer", 2*time.Second, func(context.Context) error { a.timer.Stop(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
