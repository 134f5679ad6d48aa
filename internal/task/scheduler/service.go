package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskdist/internal/config"
	logx "taskdist/pkg/logx"
)

var ErrSkipped = errors.New("tick skipped: previous tick still running")

const tickErrorThrottle = 30 * time.Second

func New(cfg Config, tick TickFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, tick: tick, log: log.With(logx.String("comp", "scheduler"))}
}

// ParseSpec turns a tick spec into a cron schedule. Empty means the default.
func ParseSpec(raw string) (cron.Schedule, error) {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		spec = config.DefaultTickSpec
	}
	sched, err := config.CronParser.Parse(spec)
	if err == nil {
		return sched, nil
	}
	if d, derr := time.ParseDuration(spec); derr == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), nil
	}
	return nil, fmt.Errorf("invalid tick spec %q (use cron like '*/5 * * * *', '@every 1m' or a duration like '30s'): %w", raw, err)
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the tick. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	sched, err := ParseSpec(s.cfg.Spec)
	if err != nil {
		return err
	}
	s.loc = s.loadLocationLocked()
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.entryID = s.c.Schedule(sched, cron.FuncJob(func() { _ = s.fire(s.base) }))
	s.spec = s.cfg.Spec
	s.c.Start()

	next := s.c.Entry(s.entryID).Next
	s.log.Info("scheduler started", logx.String("spec", s.specLocked()), logx.String("tz", s.loc.String()), logx.Time("next", next))
	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func(ctx context.Context) {
			defer s.wg.Done()
			_ = s.fire(ctx)
		}(s.base)
	}
	return nil
}

// Stop halts triggering and waits for an in-flight tick or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; canceling tick", logx.Err(ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. The trigger restarts when the tick spec changes,
// as well as on timezone or enabled flag changes.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSpec(cfg.Spec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	restart := prev.Enabled != cfg.Enabled ||
		strings.TrimSpace(prev.Spec) != strings.TrimSpace(cfg.Spec) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !restart || (!running && !cfg.Enabled) {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

// Fire runs one tick now under the same overlap guard as scheduled ticks.
func (s *Service) Fire(ctx context.Context) error {
	return s.fire(ctx)
}

func (s *Service) fire(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Debug("tick skipped: previous tick still running")
		return ErrSkipped
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	s.runs.Add(1)
	err := s.tick(ctx)
	dur := time.Since(start)

	s.lmu.Lock()
	s.last = start
	s.lastDur = dur
	s.lastErr = ""
	warn := false
	if err != nil {
		s.failed.Add(1)
		s.lastErr = err.Error()
		if start.Sub(s.errWarn) >= tickErrorThrottle {
			s.errWarn = start
			warn = true
		}
	}
	s.lmu.Unlock()

	if warn {
		s.log.Warn("tick failed", logx.Err(err), logx.Duration("dur", dur))
	} else if err != nil {
		s.log.Debug("tick failed", logx.Err(err), logx.Duration("dur", dur))
	}
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Spec: s.specLocked(), Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil && s.entryID != 0 {
		e := s.c.Entry(s.entryID)
		snap.Next = e.Next
		snap.Prev = e.Prev
	}
	s.mu.Unlock()

	snap.Running = s.running.Load()
	snap.Runs = s.runs.Load()
	snap.Skipped = s.skipped.Load()
	snap.Failed = s.failed.Load()

	s.lmu.Lock()
	snap.LastStarted = s.last
	snap.LastDuration = s.lastDur
	snap.LastError = s.lastErr
	s.lmu.Unlock()
	return snap
}

func (s *Service) specLocked() string {
	if spec := strings.TrimSpace(s.cfg.Spec); spec != "" {
		return spec
	}
	return config.DefaultTickSpec
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
