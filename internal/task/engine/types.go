package engine

import (
	"context"
	"math/rand"
	"time"
)

// Config controls the job engine. The app layer maps config.task_engine into
// this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a job whose Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 keeps every job.
	MaxQueueDelay time.Duration

	// RetryMax is the number of in-job retries. <= 0 leaves a failed job to
	// the next tick.
	RetryMax int
	Backoff  Backoff

	// TripAfter consecutive failed jobs cool a key down for Cooldown,
	// doubling per further failure up to MaxCooldown. A key with no failure
	// for ForgetAfter starts over. TripAfter < 0 disables cooldowns.
	TripAfter   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	ForgetAfter time.Duration
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 2 * time.Minute
		if cfg.MaxCooldown < cfg.Cooldown {
			cfg.MaxCooldown = cfg.Cooldown
		}
	}
	if cfg.ForgetAfter <= 0 {
		cfg.ForgetAfter = 5 * time.Minute
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return cfg
}

// Job is one distribution run for a template.
//
// Key is the template ID. Done, when set, receives the final error once the
// job finishes, is dropped or is discarded on shutdown.
type Job struct {
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(err error)
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	ID       string        `json:"id"`
	Key      string        `json:"key"`
	Name     string        `json:"name"`
	Queued   time.Time     `json:"queued"`
	Wait     time.Duration `json:"wait"`
	Took     time.Duration `json:"took,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Backoff spaces retries: Base doubles per retry up to Max, then a random
// factor of ±Jitter is applied.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter <= 0 {
		b.Jitter = 0.2
	}
	return b
}

// Delay returns the wait before attempt retry+1. A nil rng disables jitter.
func (b Backoff) Delay(retry int, rng *rand.Rand) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 1; i < retry && d < b.Max; i++ {
		d *= 2
	}
	if rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*b.Jitter))
	}
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
