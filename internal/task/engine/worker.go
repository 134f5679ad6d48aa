package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"taskdist/internal/eventbus"
	logx "taskdist/pkg/logx"
)

// slowJob is the duration above which a finished job is logged at info.
const slowJob = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool, rng *rand.Rand) {
	for {
		if p.closing() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case q := <-p.queue:
			s.execute(ctx, p, q, rng)
		}
	}
}

func (s *Service) execute(ctx context.Context, p *pool, q queued, rng *rand.Rand) {
	cfg := s.config()
	start := time.Now()
	ev := q.event("")
	ev.Wait = start.Sub(q.at)

	if cfg.MaxQueueDelay > 0 && ev.Wait > cfg.MaxQueueDelay {
		s.stale.Add(1)
		s.release(q.job.Key)
		ev.Error = "stale"
		s.publish(eventbus.TypeJobDropped, start, ev)
		s.log.Warn("template job dropped: waited too long", logx.String("key", q.job.Key), logx.Duration("wait", ev.Wait))
		if q.job.Done != nil {
			q.job.Done(errStale)
		}
		return
	}

	s.publish(eventbus.TypeJobStarted, start, ev)
	attempts, err := s.attempt(ctx, p, q, cfg, rng)
	end := time.Now()
	s.brk.record(cfg, q.job.Key, end, err)
	// Free the key before Done so the owner can resubmit right away.
	s.release(q.job.Key)

	ev.Took = end.Sub(start)
	ev.Attempts = attempts
	attrs := []logx.Field{
		logx.String("key", q.job.Key),
		logx.Duration("wait", ev.Wait),
		logx.Duration("took", ev.Took),
		logx.Int("attempts", attempts),
	}
	switch {
	case err != nil:
		s.failed.Add(1)
		ev.Error = err.Error()
		s.publish(eventbus.TypeJobFailed, end, ev)
		s.log.Warn("template job failed", append(attrs, logx.Err(err))...)
	case ev.Took >= slowJob:
		s.done.Add(1)
		s.publish(eventbus.TypeJobFinished, end, ev)
		s.log.Info("template job finished", attrs...)
	default:
		s.done.Add(1)
		s.publish(eventbus.TypeJobFinished, end, ev)
		s.log.Debug("template job finished", attrs...)
	}
	if q.job.Done != nil {
		q.job.Done(err)
	}
}

// attempt runs q up to 1+RetryMax times. A NoRetry error ends the loop and is
// returned unwrapped.
func (s *Service) attempt(ctx context.Context, p *pool, q queued, cfg Config, rng *rand.Rand) (int, error) {
	for n := 1; ; n++ {
		err := s.runOnce(ctx, q)
		if err == nil {
			return n, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return n, nr.err
		}
		if n > cfg.RetryMax || ctx.Err() != nil {
			return n, err
		}
		d := cfg.Backoff.Delay(n, rng)
		s.log.Debug("template job retry scheduled", logx.String("key", q.job.Key), logx.Int("attempt", n+1), logx.Duration("delay", d), logx.Err(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-p.quit:
			t.Stop()
			return n, ErrStopped
		case <-t.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, q queued) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("template job %s panicked: %v", q.job.Key, r)
			s.log.Error("template job panicked", logx.String("key", q.job.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return q.job.Run(ctx)
}
