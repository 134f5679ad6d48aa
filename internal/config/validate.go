package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts 5-field specs, an optional seconds field and
// descriptors such as "@every 1m". The scheduler parses tick specs with it.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const DefaultTickSpec = "@every 1m"

// Validate checks semantic constraints the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := cfg.Durations(); err != nil {
		errs = append(errs, err)
	}

	if spec := strings.TrimSpace(cfg.Scheduler.Spec); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			// A bare Go duration is accepted as an interval.
			if d, derr := time.ParseDuration(spec); derr != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("scheduler.spec: %w", err))
			}
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	d := cfg.Distribution
	if d.MaxIterations < 0 || d.CollaboratorRetryMax < 0 || d.MaxAttempts < 0 || d.CollaboratorRatePerSec < 0 {
		errs = append(errs, errors.New("distribution: counts and rates must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.Telegram.Enabled {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				errs = append(errs, errors.New("notifier.telegram.token is required when telegram is enabled"))
			}
			if n.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("notifier.telegram.chat_id is required when telegram is enabled"))
			}
		}
	}
	return errors.Join(errs...)
}
