package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskdist/internal/models"
	"taskdist/internal/storage"
	logx "taskdist/pkg/logx"
)

const seedYAML = `
templates:
  - id: daily-inspection
    name: Daily inspection
    taskType: inspection
    cycleType: DAILY
    runAtMinute: 540
    dueAtMinute: 1080
    activeFrom: 2025-06-01T00:00:00Z
    allowLate: true
    maxBackfillPeriods: 3
    isActive: true
    assigneeMode:
      scope:
        scopeType: DEPARTMENT
        scopeQuery:
          departmentIds: [d1]
      strategy: ROTATION
      completion: EACH
    rules:
      - id: weekend
        frequencyType: WEEKLY
        weekdays: [6, 7]
        dispatchAtMinute: 600
        strategy: USER_POOL
        isActive: true
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	path := writeSeed(t, seedYAML)

	res, err := LoadFile(ctx, st, path, logx.Nop())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d, want 1", res.Created)
	}
	tpl, err := st.GetTemplate(ctx, "daily-inspection")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tpl.Revision != 1 {
		t.Fatalf("revision = %d, want 1", tpl.Revision)
	}
	if _, ok := tpl.AssigneeMode.Scope.(models.DepartmentScope); !ok {
		t.Fatalf("scope = %T, want DepartmentScope", tpl.AssigneeMode.Scope)
	}
	if len(tpl.Rules) != 1 || tpl.Rules[0].DispatchAtMinute == nil || *tpl.Rules[0].DispatchAtMinute != 600 {
		t.Fatalf("rules = %+v", tpl.Rules)
	}

	res, err = LoadFile(ctx, st, path, logx.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res.Unchanged != 1 || res.Updated != 0 {
		t.Fatalf("reload = %+v, want unchanged", res)
	}
	tpl, _ = st.GetTemplate(ctx, "daily-inspection")
	if tpl.Revision != 1 {
		t.Fatalf("revision after reload = %d, want 1", tpl.Revision)
	}
}

func TestChangedTemplateBumpsRevision(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	if _, err := LoadFile(ctx, st, writeSeed(t, seedYAML), logx.Nop()); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	// Setting the advisory cache must not look like an edit.
	next := mustTime(t, "2025-06-17T09:00:00Z")
	if err := st.SetNextRunAt(ctx, "daily-inspection", &next); err != nil {
		t.Fatalf("next run: %v", err)
	}

	changed := writeSeed(t, replace(seedYAML, "dueAtMinute: 1080", "dueAtMinute: 1020"))
	res, err := LoadFile(ctx, st, changed, logx.Nop())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("updated = %d, want 1", res.Updated)
	}
	tpl, _ := st.GetTemplate(ctx, "daily-inspection")
	if tpl.Revision != 2 || tpl.DueAtMinute != 1020 {
		t.Fatalf("template = rev %d due %d, want rev 2 due 1020", tpl.Revision, tpl.DueAtMinute)
	}
}

func TestInvalidSeedWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", replace(seedYAML, "allowLate: true", "allowLate: true\n    colour: blue")},
		{"bad scope", replace(seedYAML, "departmentIds: [d1]", "departmentIds: []")},
		{"bad cycle", replace(seedYAML, "cycleType: DAILY", "cycleType: HOURLY")},
		{"duplicate", seedYAML + replace(seedYAML, "templates:\n", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storage.NewMemory()
			if _, err := LoadFile(context.Background(), st, writeSeed(t, tt.body), logx.Nop()); err == nil {
				t.Fatalf("expected error")
			}
			tpls, _ := st.ListTemplates(context.Background())
			if len(tpls) != 0 {
				t.Fatalf("templates = %d, want 0", len(tpls))
			}
		})
	}
}

func replace(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return at
}
