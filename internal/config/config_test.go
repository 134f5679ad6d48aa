package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/taskdist.db
scheduler:
  enabled: true
  spec: "@every 1m"
  timezone: UTC
distribution:
  max_iterations: 500
  max_lookback: 720h
directory:
  path: ./directory.yaml
notifier:
  enabled: true
  workers: 1
  telegram:
    enabled: true
    token: "123:secret"
    chat_id: -100123
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Distribution.MaxIterations != 500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.Telegram.ChatID != -100123 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging":{"level":"info"},"plugins":{}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
	m = NewManager(writeFile(t, "config.json", `{"logging":{}} {"logging":{}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, false},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "postgres", Path: "x"}}, false},
		{"bad spec", Config{Scheduler: SchedulerConfig{Spec: "every minute"}}, false},
		{"cron spec", Config{Scheduler: SchedulerConfig{Spec: "*/5 * * * *"}}, true},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, false},
		{"bad duration", Config{Distribution: DistributionConfig{MaxLookback: "soon"}}, false},
		{"telegram no token", Config{Notifier: &NotifierConfig{Telegram: NotifierTelegramConfig{Enabled: true, ChatID: 1}}}, false},
		{"telegram ok", Config{Notifier: &NotifierConfig{Telegram: NotifierTelegramConfig{Enabled: true, ChatID: 1, Token: "t"}}}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSummarizeNeverLogsToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Notifier: &NotifierConfig{Telegram: NotifierTelegramConfig{Token: "old-secret"}}}
	newCfg := &Config{
		Notifier:  &NotifierConfig{Telegram: NotifierTelegramConfig{Token: "new-secret"}},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "notifier,scheduler" {
		t.Fatalf("changed = %v, want [notifier scheduler]", changed)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("attrs leak token: %s", buf.String())
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if m.reload(context.Background()) {
		t.Fatal("unchanged file should not publish")
	}
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !m.reload(context.Background()) {
		t.Fatal("changed file should publish")
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"sqlite"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.reload(context.Background()) {
		t.Fatal("invalid config should not publish")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("invalid config replaced the committed one")
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"90d", 90 * 24 * time.Hour, true},
		{"2h30m", 150 * time.Minute, true},
		{"45", 45 * time.Second, true},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		cfg := &Config{Distribution: DistributionConfig{MaxLookback: tt.raw}}
		d, err := cfg.Durations()
		if (err == nil) != tt.ok {
			t.Fatalf("Durations(%q) err = %v, want ok=%v", tt.raw, err, tt.ok)
		}
		if tt.ok && d.MaxLookback != tt.want {
			t.Fatalf("Durations(%q) = %s, want %s", tt.raw, d.MaxLookback, tt.want)
		}
		if !tt.ok && !strings.Contains(err.Error(), "distribution.max_lookback") {
			t.Fatalf("error %q does not name the field", err)
		}
	}
}
