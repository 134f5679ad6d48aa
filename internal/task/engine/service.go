package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskdist/internal/eventbus"
	rtsup "taskdist/internal/runtime/supervisor"
	logx "taskdist/pkg/logx"
)

// Service executes template jobs. The zero value is not usable; call New.
type Service struct {
	mu  sync.Mutex
	cfg Config
	run *pool // nil while stopped

	log logx.Logger
	bus eventbus.Bus

	keyMu sync.Mutex
	keys  map[string]struct{}

	brk breaker

	done, failed, stale, skipped atomic.Uint64
}

// pool is one started generation of workers. Stop retires it; Start builds a
// fresh one.
type pool struct {
	queue    chan queued
	sup      *rtsup.Supervisor
	quit     chan struct{}
	quitOnce sync.Once
	finished chan struct{}
}

func (p *pool) closing() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

type queued struct {
	job     Job
	id      string
	at      time.Time
	timeout time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  normalize(cfg),
		log:  log,
		bus:  bus,
		keys: make(map[string]struct{}),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running pool is stopped when disabled and
// rebuilt when its worker count or queue size changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev, p := s.cfg, s.run
	s.cfg = cfg
	s.mu.Unlock()

	if p == nil || p.closing() {
		return
	}
	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is a no-op when disabled or already
// running, and waits for an unfinished Stop before starting over.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.run != nil {
		p := s.run
		s.mu.Unlock()
		if !p.closing() {
			return
		}
		select {
		case <-p.finished:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue:    make(chan queued, cfg.QueueSize),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// one broken worker must not cancel its siblings.
			rtsup.WithCancelOnError(false),
		),
	}
	s.run = p
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)<<32))
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, rng)
			if p.closing() || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop retires the pool. Jobs still queued are discarded with ErrStopped.
// Stop returns when the workers exit or ctx ends, whichever is first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.quitOnce.Do(func() {
		close(p.quit)
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.discard(p)
			s.mu.Lock()
			if s.run == p {
				s.run = nil
			}
			s.mu.Unlock()
			close(p.finished)
		}()
	})
	select {
	case <-p.finished:
		s.log.Info("task engine stopped",
			logx.Uint64("done", s.done.Load()),
			logx.Uint64("failed", s.failed.Load()),
			logx.Uint64("stale", s.stale.Load()),
			logx.Uint64("skipped", s.skipped.Load()),
		)
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) discard(p *pool) {
	for {
		select {
		case q := <-p.queue:
			s.release(q.job.Key)
			if q.job.Done != nil {
				q.job.Done(ErrStopped)
			}
		default:
			return
		}
	}
}

// Submit queues j, blocking while the queue is full. It returns ErrBusy when
// a job for the same key is queued or running and ErrCoolingDown while the
// key is cooling down.
func (s *Service) Submit(ctx context.Context, j Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.Run == nil {
		return errors.New("engine: job has no Run func")
	}
	j.Key = strings.TrimSpace(j.Key)
	if j.Key == "" {
		return errors.New("engine: job key is required")
	}
	if j.Name == "" {
		j.Name = j.Key
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.run
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if p == nil || p.closing() {
		return ErrStopped
	}

	now := time.Now()
	q := queued{job: j, id: uuid.NewString(), at: now, timeout: j.Timeout}
	if q.timeout <= 0 {
		q.timeout = cfg.DefaultTimeout
	}
	if until, ok := s.brk.cooling(cfg, j.Key, now); ok {
		s.skipped.Add(1)
		s.publish(eventbus.TypeJobSkipped, now, q.event("cooling_down"))
		s.log.Debug("template job cooling down", logx.String("key", j.Key), logx.Time("until", until))
		return ErrCoolingDown
	}
	if !s.claim(j.Key) {
		s.skipped.Add(1)
		s.publish(eventbus.TypeJobSkipped, now, q.event("busy"))
		return ErrBusy
	}

	select {
	case p.queue <- q:
		return nil
	case <-ctx.Done():
		s.release(j.Key)
		return ctx.Err()
	case <-p.quit:
		s.release(j.Key)
		return ErrStopped
	}
}

// ResetCooldown forgets the failure streak of key.
func (s *Service) ResetCooldown(key string) {
	s.brk.reset(strings.TrimSpace(key))
}

func (s *Service) claim(key string) bool {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.keyMu.Lock()
	delete(s.keys, key)
	s.keyMu.Unlock()
}

func (s *Service) busy(key string) bool {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (q queued) event(errText string) JobEvent {
	return JobEvent{ID: q.id, Key: q.job.Key, Name: q.job.Name, Queued: q.at, Error: errText}
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
