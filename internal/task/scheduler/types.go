package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskdist/pkg/logx"
)

// Config controls the tick trigger. The app layer maps config.scheduler
// into this struct.
type Config struct {
	Enabled bool
	// Spec is a cron expression, a descriptor ("@every 1m", "@hourly") or a
	// bare Go duration ("30s").
	Spec     string
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// Timeout bounds one tick. 0 disables it.
	Timeout time.Duration
	// RunOnStart fires one tick right after Start to catch up after downtime.
	RunOnStart bool
}

// TickFunc is the job the scheduler triggers.
type TickFunc func(ctx context.Context) error

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	tick TickFunc

	c       *cron.Cron
	entryID cron.EntryID
	spec    string

	// base is canceled by Stop so in-flight ticks observe shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	lmu     sync.Mutex
	last    time.Time
	lastDur time.Duration
	lastErr string
	errWarn time.Time
}

type Snapshot struct {
	Enabled  bool
	Spec     string
	Timezone string
	Running  bool

	Next time.Time
	Prev time.Time

	Runs    uint64
	Skipped uint64
	Failed  uint64

	LastStarted  time.Time
	LastDuration time.Duration
	LastError    string
}
