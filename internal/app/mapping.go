package app

import (
	"fmt"
	"strings"
	"time"

	"taskdist/internal/config"
	"taskdist/internal/distribution"
	"taskdist/internal/notifier"
	"taskdist/internal/scope"
	"taskdist/internal/storage"
	"taskdist/internal/task/engine"
	"taskdist/internal/task/scheduler"
	logx "taskdist/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	d, err := cfg.Durations()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.StorageBusyTimeout,
	}, nil
}

// mapTaskEngineConfig maps task_engine. A missing section means enabled with
// defaults. retry_max 0 means no in-job retries: a failed template job is
// picked up again by the next tick.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.TripAfter < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: counts must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.RetryMax = te.RetryMax
	out.TripAfter = te.TripAfter
	d, err := cfg.Durations()
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d.EngineDefaultTimeout
	out.MaxQueueDelay = d.EngineMaxQueueDelay
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config, tickTimeout time.Duration) scheduler.Config {
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Spec:       cfg.Scheduler.Spec,
		Timezone:   cfg.Scheduler.Timezone,
		Timeout:    tickTimeout,
		RunOnStart: true,
	}
}

func mapDistributionConfig(cfg *config.Config, jobTimeout time.Duration) (distribution.Config, error) {
	dur, err := cfg.Durations()
	if err != nil {
		return distribution.Config{}, err
	}
	d := cfg.Distribution
	return distribution.Config{
		MaxIterations: d.MaxIterations,
		MaxLookback:   dur.MaxLookback,
		MaxAttempts:   d.MaxAttempts,
		JobTimeout:    jobTimeout,
	}, nil
}

func mapRetryPolicy(cfg *config.Config) (scope.RetryPolicy, error) {
	dur, err := cfg.Durations()
	if err != nil {
		return scope.RetryPolicy{}, err
	}
	d := cfg.Distribution
	return scope.RetryPolicy{
		Timeout:    dur.CollaboratorTimeout,
		MaxRetries: d.CollaboratorRetryMax,
		Base:       dur.CollaboratorRetryBase,
		RatePerSec: d.CollaboratorRatePerSec,
	}, nil
}

// mapNotifierConfig maps notifier. A missing section means enabled with the
// log sink only.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	d, err := cfg.Durations()
	if err != nil {
		return notifier.Config{}, err
	}
	out.RetryBase = d.NotifierRetryBase
	out.RetryMaxDelay = d.NotifierRetryMaxDelay
	out.DedupWindow = d.NotifierDedupWindow
	return out, nil
}

// operatorSink builds the Telegram sink, or returns nil when disabled.
func operatorSink(cfg *config.Config) (notifier.Sink, error) {
	if cfg.Notifier == nil || !cfg.Notifier.Telegram.Enabled {
		return nil, nil
	}
	tg := cfg.Notifier.Telegram
	t, err := notifier.NewTelegram(notifier.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
	if err != nil {
		return nil, fmt.Errorf("notifier.telegram: %w", err)
	}
	return t, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
