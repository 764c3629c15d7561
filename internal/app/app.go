// Package app wires the outage notification bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"svitlobot/internal/bot"
	"svitlobot/internal/config"
	"svitlobot/internal/eventbus"
	"svitlobot/internal/jobstore"
	"svitlobot/internal/notifier"
	"svitlobot/internal/observability/diag"
	rtsup "svitlobot/internal/runtime/supervisor"
	"svitlobot/internal/schedule"
	"svitlobot/internal/storage"
	"svitlobot/internal/task/engine"
	kit "svitlobot/internal/transport"
	"svitlobot/internal/transport/telegram"
	logx "svitlobot/pkg/logx"
	"svitlobot/pkg/systemd"
)

type Option func(*options)

type options struct {
	offline bool
}

// WithOffline builds the Telegram client without contacting the API.
func WithOffline() Option { return func(o *options) { o.offline = true } }

type App struct {
	cfgm  *config.ConfigManager
	sup   *rtsup.Supervisor
	sched schedulerSettings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	engine  *engine.Service
	exec    *fallbackExecutor
	jobs    *jobstore.Store
	notif   *notifier.Service
	rebuild *schedule.Rebuilder
	maint   *schedule.Maintenance
	bot     *bot.Bot
	diag    *diag.Server

	updates chan kit.Update
	started time.Time
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	ss, err := mapSchedulerSettings(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: ss.pollTO,
		Offline:     o.offline,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram sink starts disabled so Apply does not warn before the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChat)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	exec := newFallbackExecutor(eng, engCfg.DefaultTimeout, log.With(logx.String("comp", "executor")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")), bus)

	jobs := jobstore.New(
		jobstore.WithExecutor(exec),
		jobstore.WithTick(ss.tick),
		jobstore.WithLogger(log.With(logx.String("comp", "jobstore"))),
		jobstore.WithBus(bus),
	)
	compiler := schedule.NewCompiler(store, ss.loc, ss.lead, log.With(logx.String("comp", "compiler")))
	rb := schedule.NewRebuilder(compiler, jobs, notif, log.With(logx.String("comp", "rebuild")), schedule.WithBus(bus))

	maint, err := schedule.NewMaintenance(ss.cron, ss.retainDays, ss.loc, store, rb, log.With(logx.String("comp", "maintenance")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	b := bot.New(mapBotConfig(cfg), cfg.Telegram.AdminIDs, bot.Deps{
		Sender:    ad,
		Store:     store,
		Rebuilder: rb,
		Jobs:      jobs,
		Announcer: notif,
		Tasks:     exec,
		Location:  ss.loc,
		Log:       log.With(logx.String("comp", "bot")),
	})

	a := &App{
		cfgm:    cfgm,
		sched:   ss,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		exec:    exec,
		jobs:    jobs,
		notif:   notif,
		rebuild: rb,
		maint:   maint,
		bot:     b,
		updates: make(chan kit.Update, 256),
	}
	a.diag = diag.New(mapDiagConfig(cfg), func() any { return a.status() }, log.With(logx.String("comp", "diag")))
	return a, nil
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
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	a.sup.Go("jobstore.run", a.jobs.Run)

	// A failed first rebuild is not fatal: the maintenance cron and the next
	// mutation retry it.
	if rep, err := a.rebuild.RebuildNow(a.sup.Context()); err != nil {
		a.log.Error("startup rebuild failed", logx.Err(err))
	} else {
		a.log.Info("startup rebuild done", logx.String("gen", rep.Generation), logx.Int("jobs", rep.Scheduled))
	}
	a.maint.Start()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.diag.Start(a.sup.Context())

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.log.Info("systemd watchdog enabled", logx.Duration("interval", iv))
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, func() bool { return c.Err() == nil })
		})
	}

	a.log.Info("app started",
		logx.String("tz", a.sched.loc.String()),
		logx.Int("pending_jobs", a.jobs.Len()),
	)
	return nil
}

// applyConfig pushes hot-reloadable settings into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Attrs...)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.RestartRequired, ",")))
	}

	a.logs.SetTelegramTarget(next.Telegram.LogChat)
	a.logs.Apply(mapLogConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
		a.exec.setTimeout(ecfg.DefaultTimeout)
	}

	a.bot.SetAdmins(next.Telegram.AdminIDs)
	a.bot.Apply(mapBotConfig(next))
	a.diag.Apply(ctx, mapDiagConfig(next))

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, ch.Attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var (
			stepCtx context.Context
			cancel  context.CancelFunc
		)
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		} else {
			stepCtx, cancel = context.WithCancel(ctx)
			cancel()
		}
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 3*time.Second, a.adapter.Stop)
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int("pending_jobs_dropped", a.jobs.Len()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
