// Package app wires the daemon together from the config file: logging,
// storage, collaborators, the distribution engine and its scheduler,
// notifier and calendar. It owns startup, hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskdist/internal/calendar"
	"taskdist/internal/config"
	"taskdist/internal/directory"
	"taskdist/internal/distribution"
	"taskdist/internal/eventbus"
	"taskdist/internal/notifier"
	rtsup "taskdist/internal/runtime/supervisor"
	"taskdist/internal/scope"
	"taskdist/internal/seed"
	"taskdist/internal/storage"
	"taskdist/internal/task/engine"
	"taskdist/internal/task/scheduler"
	logx "taskdist/pkg/logx"
	"taskdist/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	dir   *directory.Static

	engine *engine.Service
	dist   *distribution.Engine
	cal    *calendar.Projector
	sched  *scheduler.Service
	notif  *notifier.Service
}

// New loads the config and builds every component without starting any
// background work. One-shot commands use the result directly; serve calls
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: bus, store: store}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	if p := strings.TrimSpace(cfg.Directory.Path); p != "" {
		dir, err := directory.LoadFile(p)
		if err != nil {
			return fail(fmt.Errorf("directory: %w", err))
		}
		a.dir = dir
		users, points := dir.Counts()
		appLog.Info("directory loaded", logx.String("path", p), logx.Int("users", users), logx.Int("points", points))
	}
	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return fail(err)
	}
	resolver := a.newResolver(policy, log)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notifier.New(ncfg, log, bus)
	sink, err := operatorSink(cfg)
	if err != nil {
		return fail(err)
	}
	if sink != nil {
		a.notif.SetOperatorSink(sink)
	}
	logSvc.SetAlertSender(a.notif)

	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fail(err)
	}
	dcfg, err := mapDistributionConfig(cfg, engCfg.DefaultTimeout)
	if err != nil {
		return fail(err)
	}
	a.dist, err = distribution.New(dcfg, store, resolver, log, distribution.Options{
		Location: loc,
		Executor: a.engine,
		Notifier: a.notif,
		Bus:      bus,
	})
	if err != nil {
		return fail(err)
	}
	a.cal = calendar.New(store, log, calendar.Options{Location: loc, MaxIterations: dcfg.MaxIterations})
	a.sched = scheduler.New(mapSchedulerConfig(cfg, 0), a.tick, log)

	if p := strings.TrimSpace(cfg.Seed.Path); p != "" {
		if _, err := seed.LoadFile(ctx, store, p, log); err != nil {
			return fail(fmt.Errorf("seed: %w", err))
		}
	}
	return a, nil
}

// newResolver decorates the static directory with timeouts and retries.
// Without a directory file every scope resolves to a configuration error.
func (a *App) newResolver(policy scope.RetryPolicy, log logx.Logger) *scope.Resolver {
	var (
		dir    scope.Directory
		points scope.PointRegistry
	)
	if a.dir != nil {
		dir, points = a.dir, a.dir
	}
	rt := scope.NewRetrying(dir, points, policy, log.With(logx.String("comp", "collaborators")))
	return scope.NewResolver(rt.Directory(), rt.Points(), log.With(logx.String("comp", "scope")))
}

func (a *App) tick(ctx context.Context) error {
	rep, err := a.dist.Tick(ctx)
	if err != nil {
		return err
	}
	if len(rep.Errors) > 0 {
		return fmt.Errorf("%d template(s) failed: %s", len(rep.Errors), strings.Join(rep.Errors, "; "))
	}
	return nil
}

func (a *App) Log() logx.Logger                   { return a.log }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Distribution() *distribution.Engine { return a.dist }
func (a *App) Calendar() *calendar.Projector      { return a.cal }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Notifier() *notifier.Service        { return a.notif }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }

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

// Start runs the daemon: notifier, task engine, scheduler, config watcher
// and the systemd watchdog.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapRetryPolicy(cfg); err != nil {
			errs = append(errs, err)
		}
		if p := strings.TrimSpace(cfg.Directory.Path); p != "" {
			if _, err := directory.ReadFile(p); err != nil {
				errs = append(errs, fmt.Errorf("directory: %w", err))
			}
		}
		if p := strings.TrimSpace(cfg.Seed.Path); p != "" {
			if _, err := seed.ReadFile(p); err != nil {
				errs = append(errs, fmt.Errorf("seed: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	run := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if err := a.sched.Start(run); err != nil {
		return err
	}

	// Keep this debug-level to avoid noise for frequent ticks.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.Bool("scheduler", a.sched.Enabled()), logx.String("tz", a.dist.Location().String()))
	return nil
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("task.engine", 10*time.Second, a.engine.Stop)
	step("notifier", 3*time.Second, a.notif.Stop)

	var err error
	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = a.sup.Wait(wctx)
		cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases the store and log files. Stop calls it.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
