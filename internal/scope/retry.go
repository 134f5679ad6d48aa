package scope

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskdist/internal/models"
	"taskdist/internal/task/engine"
	logx "taskdist/pkg/logx"
)

// RetryPolicy bounds collaborator calls.
//
// Defaults (when zero):
//   - Timeout: 5s per call
//   - MaxRetries: 2 (three attempts total)
//   - Base: 200ms, MaxDelay: 2s, Jitter: 0.2
//   - RatePerSec: 0 disables rate limiting
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	RatePerSec float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
	if p.Base <= 0 {
		p.Base = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Retrying decorates collaborators with a per-call timeout, bounded
// exponential backoff and an optional rate limit. Exhausted retries surface
// as *models.TransientError so the engine can retry on the next tick.
type Retrying struct {
	dir    Directory
	points PointRegistry
	policy RetryPolicy
	lim    *rate.Limiter
	log    logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrying(dir Directory, points PointRegistry, policy RetryPolicy, log logx.Logger) *Retrying {
	if log.IsZero() {
		log = logx.Nop()
	}
	policy = policy.withDefaults()
	r := &Retrying{
		dir:    dir,
		points: points,
		policy: policy,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
	if policy.RatePerSec > 0 {
		burst := int(policy.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		r.lim = rate.NewLimiter(rate.Limit(policy.RatePerSec), burst)
	}
	return r
}

// Directory returns the decorated directory, or nil when none is configured.
func (r *Retrying) Directory() Directory {
	if r.dir == nil {
		return nil
	}
	return retryingDirectory{r}
}

// Points returns the decorated point registry, or nil when none is configured.
func (r *Retrying) Points() PointRegistry {
	if r.points == nil {
		return nil
	}
	return retryingPoints{r}
}

func (r *Retrying) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := engine.Backoff{Base: r.policy.Base, Max: r.policy.MaxDelay, Jitter: r.policy.Jitter}
	var err error
	for attempt := 1; attempt <= 1+r.policy.MaxRetries; attempt++ {
		if r.lim != nil {
			if werr := r.lim.Wait(ctx); werr != nil {
				return &models.TransientError{Op: op, Err: werr}
			}
		}
		cctx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		err = fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if engine.IsNoRetry(err) || models.IsConfigError(err) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt > r.policy.MaxRetries {
			break
		}
		r.rngMu.Lock()
		delay := backoff.Delay(attempt, r.rng)
		r.rngMu.Unlock()
		r.log.Warn("collaborator call failed; retrying",
			logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return &models.TransientError{Op: op, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type retryingDirectory struct{ r *Retrying }

func (d retryingDirectory) ResolveUsers(ctx context.Context, ids []string) (out []User, err error) {
	err = d.r.call(ctx, "directory.users", func(c context.Context) error {
		out, err = d.r.dir.ResolveUsers(c, ids)
		return err
	})
	return out, err
}

func (d retryingDirectory) ResolveDepartmentMembers(ctx context.Context, id string) (out []User, err error) {
	err = d.r.call(ctx, "directory.department", func(c context.Context) error {
		out, err = d.r.dir.ResolveDepartmentMembers(c, id)
		return err
	})
	return out, err
}

func (d retryingDirectory) ResolveOrganizationMembers(ctx context.Context, id string) (out []User, err error) {
	err = d.r.call(ctx, "directory.organization", func(c context.Context) error {
		out, err = d.r.dir.ResolveOrganizationMembers(c, id)
		return err
	})
	return out, err
}

func (d retryingDirectory) ResolveRoleMembers(ctx context.Context, id string) (out []User, err error) {
	err = d.r.call(ctx, "directory.role", func(c context.Context) error {
		out, err = d.r.dir.ResolveRoleMembers(c, id)
		return err
	})
	return out, err
}

type retryingPoints struct{ r *Retrying }

func (p retryingPoints) ResolvePointsByType(ctx context.Context, pointType string) (out []Point, err error) {
	err = p.r.call(ctx, "points.by_type", func(c context.Context) error {
		out, err = p.r.points.ResolvePointsByType(c, pointType)
		return err
	})
	return out, err
}

func (p retryingPoints) ResolvePoints(ctx context.Context, ids []string) (out []Point, err error) {
	err = p.r.call(ctx, "points.by_id", func(c context.Context) error {
		out, err = p.r.points.ResolvePoints(c, ids)
		return err
	})
	return out, err
}

// IsTransient reports whether a resolution failure should be retried on a
// later tick rather than halting the rule.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if models.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
