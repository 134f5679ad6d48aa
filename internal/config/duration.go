package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations is the parsed form of every duration field in the file. Zero
// means the field was omitted and the component default applies.
type Durations struct {
	StorageBusyTimeout time.Duration

	MaxLookback           time.Duration
	CollaboratorTimeout   time.Duration
	CollaboratorRetryBase time.Duration

	EngineDefaultTimeout time.Duration
	EngineMaxQueueDelay  time.Duration

	NotifierRetryBase     time.Duration
	NotifierRetryMaxDelay time.Duration
	NotifierDedupWindow   time.Duration
}

// Durations parses the duration fields, reporting every bad one by path.
func (c *Config) Durations() (Durations, error) {
	var (
		out  Durations
		errs []error
	)
	set := func(dst *time.Duration, path, raw string) {
		d, err := parseSpan(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	set(&out.StorageBusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	set(&out.MaxLookback, "distribution.max_lookback", c.Distribution.MaxLookback)
	set(&out.CollaboratorTimeout, "distribution.collaborator_timeout", c.Distribution.CollaboratorTimeout)
	set(&out.CollaboratorRetryBase, "distribution.collaborator_retry_base", c.Distribution.CollaboratorRetryBase)
	if te := c.TaskEngine; te != nil {
		set(&out.EngineDefaultTimeout, "task_engine.default_timeout", te.DefaultTimeout)
		set(&out.EngineMaxQueueDelay, "task_engine.max_queue_delay", te.MaxQueueDelay)
	}
	if n := c.Notifier; n != nil {
		set(&out.NotifierRetryBase, "notifier.retry_base", n.RetryBase)
		set(&out.NotifierRetryMaxDelay, "notifier.retry_max_delay", n.RetryMaxDelay)
		set(&out.NotifierDedupWindow, "notifier.dedup_window", n.DedupWindow)
	}
	if len(errs) > 0 {
		return Durations{}, errors.Join(errs...)
	}
	return out, nil
}

// parseSpan accepts Go durations ("750ms", "2h30m"), whole days ("90d") and
// bare integers as seconds. Empty is zero; negative values are rejected.
func parseSpan(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.HasSuffix(s, "d"):
		var n int
		n, err = strconv.Atoi(strings.TrimSuffix(s, "d"))
		d = time.Duration(n) * 24 * time.Hour
	case isDigits(s):
		var n int
		n, err = strconv.Atoi(s)
		d = time.Duration(n) * time.Second
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
