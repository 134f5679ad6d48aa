package app

import (
	"context"
	"strings"
	"time"

	"taskdist/internal/config"
	"taskdist/internal/directory"
	"taskdist/internal/eventbus"
	"taskdist/internal/seed"
	logx "taskdist/pkg/logx"
	"taskdist/pkg/systemd"
)

// reloadLoop applies committed config changes until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			_, _ = systemd.Reloading()
			a.apply(ctx, last, next)
			last = next
			_, _ = systemd.Ready()
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if collaboratorPolicyChanged(prev, next) {
		a.log.Warn("collaborator retry policy changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	engCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		switch {
		case wasEnabled && !engCfg.Enabled:
			a.log.Info("task engine disabled via config; template jobs run inline")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !wasEnabled && engCfg.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(ctx)
		}
	}

	if dcfg, err := mapDistributionConfig(next, engCfg.DefaultTimeout); err != nil {
		a.log.Warn("invalid distribution config; keeping previous", logx.Err(err))
	} else {
		a.dist.Apply(dcfg)
	}
	if strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
		a.log.Warn("scheduler timezone changed; template default timezone applies after restart")
	}
	if err := a.sched.Apply(ctx, mapSchedulerConfig(next, 0)); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	a.applyNotifier(ctx, prev, next)
	a.reloadDirectory(next)
	if p := strings.TrimSpace(next.Seed.Path); p != "" {
		if _, err := seed.LoadFile(ctx, a.store, p, a.log); err != nil {
			a.log.Warn("seed reload failed; templates unchanged", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func collaboratorPolicyChanged(prev, next *config.Config) bool {
	p, n := prev.Distribution, next.Distribution
	return p.CollaboratorTimeout != n.CollaboratorTimeout ||
		p.CollaboratorRetryMax != n.CollaboratorRetryMax ||
		p.CollaboratorRetryBase != n.CollaboratorRetryBase ||
		p.CollaboratorRatePerSec != n.CollaboratorRatePerSec
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	var pt, nt config.NotifierTelegramConfig
	if prev.Notifier != nil {
		pt = prev.Notifier.Telegram
	}
	if next.Notifier != nil {
		nt = next.Notifier.Telegram
	}
	if pt == nt {
		return
	}
	sink, err := operatorSink(next)
	if err != nil {
		a.log.Warn("invalid telegram sink; keeping previous", logx.Err(err))
		return
	}
	a.notif.SetOperatorSink(sink)
}

func (a *App) reloadDirectory(next *config.Config) {
	p := strings.TrimSpace(next.Directory.Path)
	if p == "" {
		return
	}
	if a.dir == nil {
		a.log.Warn("directory configured after startup; restart required for changes to take effect")
		return
	}
	f, err := directory.ReadFile(p)
	if err != nil {
		a.log.Warn("directory reload failed; keeping previous", logx.Err(err))
		return
	}
	if err := a.dir.Replace(f); err != nil {
		a.log.Warn("directory reload rejected; keeping previous", logx.Err(err))
		return
	}
	users, points := a.dir.Counts()
	a.log.Info("directory reloaded", logx.Int("users", users), logx.Int("points", points))
}
