package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskdist/internal/config"
	"taskdist/internal/storage"
)

const directoryYAML = `
users:
  - id: u1
    active: true
    department_id: d1
  - id: u2
    active: true
    department_id: d1
`

const seedYAML = `
templates:
  - id: daily
    taskType: inspection
    cycleType: DAILY
    runAtMinute: 0
    dueAtMinute: 1439
    activeFrom: 2020-01-01T00:00:00Z
    allowLate: true
    maxBackfillPeriods: 2
    isActive: true
    assigneeMode:
      scope:
        scopeType: DEPARTMENT
        scopeQuery:
          departmentIds: [d1]
      strategy: USER_POOL
      completion: EACH
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestNewSeedsAndRunsOnce(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"directory.yaml": directoryYAML,
		"seed.yaml":      seedYAML,
	})
	cfgYAML := `
logging:
  level: error
storage:
  driver: memory
scheduler:
  enabled: false
  timezone: UTC
directory:
  path: ` + filepath.Join(dir, "directory.yaml") + `
seed:
  path: ` + filepath.Join(dir, "seed.yaml") + `
`
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx := context.Background()
	a, err := New(ctx, cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, err := a.Store().GetTemplate(ctx, "daily"); err != nil {
		t.Fatalf("seeded template missing: %v", err)
	}

	// The task engine is not started, so the job runs inline.
	rep, err := a.Distribution().RunDistributionNow(ctx, "daily")
	if err != nil {
		t.Fatalf("RunDistributionNow: %v", err)
	}
	if rep.Counts.Emitted == 0 || rep.Counts.Tasks != 2*rep.Counts.Emitted {
		t.Fatalf("emitted=%d tasks=%d, want one task per department member", rep.Counts.Emitted, rep.Counts.Tasks)
	}

	again, err := a.Distribution().RunDistributionNow(ctx, "daily")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Counts.Emitted != 0 {
		t.Fatalf("second run emitted %d, want 0", again.Counts.Emitted)
	}
	tasks, err := a.Store().ListTasks(ctx, storage.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != rep.Counts.Tasks {
		t.Fatalf("stored tasks = %d, want %d", len(tasks), rep.Counts.Tasks)
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	off := false
	tests := []struct {
		name     string
		te       *config.TaskEngineConfig
		enabled  bool
		retryMax int
		wantErr  bool
	}{
		{"omitted", nil, true, 0, false},
		{"zero retries", &config.TaskEngineConfig{}, true, 0, false},
		{"retries", &config.TaskEngineConfig{RetryMax: 2}, true, 2, false},
		{"disabled", &config.TaskEngineConfig{Enabled: &off}, false, 0, false},
		{"bad timeout", &config.TaskEngineConfig{DefaultTimeout: "soon"}, false, 0, true},
		{"negative", &config.TaskEngineConfig{Workers: -1}, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapTaskEngineConfig(&config.Config{TaskEngine: tt.te})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Enabled != tt.enabled || got.RetryMax != tt.retryMax {
				t.Fatalf("got enabled=%v retry=%d, want %v/%d", got.Enabled, got.RetryMax, tt.enabled, tt.retryMax)
			}
		})
	}
}

func TestMapNotifierConfig(t *testing.T) {
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil || !got.Enabled {
		t.Fatalf("omitted section = %+v, %v; want enabled", got, err)
	}
	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true, DedupWindow: "5m"}})
	if err != nil || got.DedupWindow != 5*time.Minute {
		t.Fatalf("dedup = %v, %v; want 5m", got.DedupWindow, err)
	}
	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryBase: "x"}}); err == nil {
		t.Fatalf("bad retry_base accepted")
	}
	sink, err := operatorSink(&config.Config{Notifier: &config.NotifierConfig{}})
	if err != nil || sink != nil {
		t.Fatalf("disabled telegram = %v, %v; want nil sink", sink, err)
	}
}

func TestMapDistributionConfig(t *testing.T) {
	cfg := &config.Config{Distribution: config.DistributionConfig{MaxLookback: "240h", MaxAttempts: 4, CollaboratorRetryBase: "50ms"}}
	d, err := mapDistributionConfig(cfg, time.Minute)
	if err != nil {
		t.Fatalf("mapDistributionConfig: %v", err)
	}
	if d.MaxLookback != 240*time.Hour || d.MaxAttempts != 4 || d.JobTimeout != time.Minute {
		t.Fatalf("got %+v", d)
	}
	p, err := mapRetryPolicy(cfg)
	if err != nil || p.Base != 50*time.Millisecond {
		t.Fatalf("policy = %+v, %v", p, err)
	}
	if _, err := loadLocation("Mars/Olympus"); err == nil {
		t.Fatalf("bad timezone accepted")
	}
}
