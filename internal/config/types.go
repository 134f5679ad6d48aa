package config

// Config is the daemon configuration file.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Distribution DistributionConfig `json:"distribution"`
	Directory    DirectoryConfig    `json:"directory"`
	Seed         SeedConfig         `json:"seed,omitempty"`

	// TaskEngine controls the worker pool that runs per-template jobs.
	// If omitted, jobs run inline on the tick goroutine.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Durations accept Go duration strings ("500ms", "1m"), whole days ("7d")
// or bare seconds ("30").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - retry_max: 0 (a failed template job waits for the next tick)
//   - trip_after: 5 (consecutive failed jobs before a template cools down)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	RetryMax  int `json:"retry_max,omitempty"`
	TripAfter int `json:"trip_after,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true with
// only the log sink.
type NotifierConfig struct {
	Enabled         bool                   `json:"enabled"`
	Workers         int                    `json:"workers"`
	QueueSize       int                    `json:"queue_size"`
	RatePerSec      int                    `json:"rate_per_sec"`
	RetryMax        int                    `json:"retry_max"`
	RetryBase       string                 `json:"retry_base"`
	RetryMaxDelay   string                 `json:"retry_max_delay"`
	DedupWindow     string                 `json:"dedup_window"`
	DedupMaxEntries int                    `json:"dedup_max_entries"`
	Telegram        NotifierTelegramConfig `json:"telegram"`
}

// NotifierTelegramConfig delivers operator alerts to one Telegram chat.
type NotifierTelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskdist.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to the operator
// alert channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression or descriptor. Default "@every 1m".
	Spec string `json:"spec,omitempty"`
	// Timezone is the engine default for templates without their own.
	Timezone string `json:"timezone,omitempty"`
}

// DistributionConfig bounds the engine and its collaborator calls.
//
// Defaults:
//   - max_iterations: 10000 (per pair per tick)
//   - max_lookback: "90d"
//   - collaborator_timeout: "5s"
//   - collaborator_retry_max: 2
//   - collaborator_retry_base: "200ms"
//   - collaborator_rate_per_sec: 0 (unlimited)
//   - max_attempts: 0 (transient failures retry until the occurrence leaves
//     the backfill window)
type DistributionConfig struct {
	MaxIterations          int     `json:"max_iterations,omitempty"`
	MaxLookback            string  `json:"max_lookback,omitempty"`
	CollaboratorTimeout    string  `json:"collaborator_timeout,omitempty"`
	CollaboratorRetryMax   int     `json:"collaborator_retry_max,omitempty"`
	CollaboratorRetryBase  string  `json:"collaborator_retry_base,omitempty"`
	CollaboratorRatePerSec float64 `json:"collaborator_rate_per_sec,omitempty"`
	MaxAttempts            int     `json:"max_attempts,omitempty"`
}

// DirectoryConfig points at the static collaborator fixture.
type DirectoryConfig struct {
	Path string `json:"path"`
}

// SeedConfig optionally loads templates from a YAML/JSON file at startup
// and on every config reload.
type SeedConfig struct {
	Path string `json:"path,omitempty"`
}
