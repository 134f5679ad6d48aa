package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskdist/internal/distribution"
	"taskdist/internal/models"
	"taskdist/internal/storage"
	logx "taskdist/pkg/logx"
)

type staticResolver []models.Candidate

func (s staticResolver) Resolve(context.Context, models.Scope) ([]models.Candidate, error) {
	return append([]models.Candidate(nil), s...), nil
}

func day(d, h int) time.Time { return time.Date(2025, 6, d, h, 0, 0, 0, time.UTC) }

func seeded(t *testing.T) (storage.Store, func() time.Time) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	_, err := st.PutTemplate(ctx, models.Template{
		ID:                 "daily",
		TaskType:           "inspection",
		CycleType:          models.CycleDaily,
		RunAtMinute:        540,
		DueAtMinute:        1080,
		ActiveFrom:         day(14, 0),
		AllowLate:          true,
		MaxBackfillPeriods: 3,
		IsActive:           true,
		AssigneeMode: models.Assignment{
			Scope:      models.UserScope{UserIDs: []string{"a", "b"}},
			Strategy:   models.StrategyUserPool,
			Completion: models.CompletionEach,
		},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	now := func() time.Time { return day(16, 10) }
	eng, err := distribution.New(distribution.Config{}, st,
		staticResolver{{UserID: "a"}, {UserID: "b"}}, logx.Nop(),
		distribution.Options{Now: now, Location: time.UTC})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := eng.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	return st, now
}

func TestSummarySeparatesMaterializedAndPreview(t *testing.T) {
	st, now := seeded(t)
	p := New(st, logx.Nop(), Options{Now: now, Location: time.UTC})

	sum, err := p.Summary(context.Background(), Range{From: day(14, 0), To: day(20, 0)}, Filters{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(sum.Days) != 6 {
		t.Fatalf("days = %d, want 6", len(sum.Days))
	}
	want := map[string][2]int{
		"2025-06-14": {2, 0},
		"2025-06-15": {2, 0},
		"2025-06-16": {2, 0},
		"2025-06-17": {0, 1},
		"2025-06-18": {0, 1},
		"2025-06-19": {0, 1},
	}
	for _, d := range sum.Days {
		w := want[d.Date]
		if d.Materialized.Total != w[0] || d.Preview.Total != w[1] {
			t.Fatalf("%s = materialized %d preview %d, want %d/%d", d.Date, d.Materialized.Total, d.Preview.Total, w[0], w[1])
		}
	}
	if got := sum.Days[0].Materialized.Late; got != 2 {
		t.Fatalf("late on 06-14 = %d, want 2", got)
	}
	if got := sum.Days[0].Materialized.ByStatus[models.StatusPending]; got != 2 {
		t.Fatalf("pending on 06-14 = %d, want 2", got)
	}

	// Previews are never written back.
	tasks, _ := st.ListTasks(context.Background(), storage.TaskFilter{})
	if len(tasks) != 6 {
		t.Fatalf("tasks = %d, want 6", len(tasks))
	}
}

func TestSummaryFilters(t *testing.T) {
	st, now := seeded(t)
	p := New(st, logx.Nop(), Options{Now: now, Location: time.UTC})
	r := Range{From: day(14, 0), To: day(20, 0)}

	tests := []struct {
		name         string
		f            Filters
		materialized int
		preview      int
	}{
		{"none", Filters{}, 6, 3},
		{"other type", Filters{TaskTypes: []string{"audit"}}, 0, 0},
		{"template", Filters{TemplateIDs: []string{"daily"}}, 6, 3},
		{"assignee drops previews", Filters{AssigneeID: "a"}, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := p.Summary(context.Background(), r, tt.f)
			if err != nil {
				t.Fatalf("Summary: %v", err)
			}
			var m, pv int
			for _, d := range sum.Days {
				m += d.Materialized.Total
				pv += d.Preview.Total
			}
			if m != tt.materialized || pv != tt.preview {
				t.Fatalf("got materialized %d preview %d, want %d/%d", m, pv, tt.materialized, tt.preview)
			}
		})
	}
}

func TestSummaryRejectsBadRange(t *testing.T) {
	p := New(storage.NewMemory(), logx.Nop(), Options{Location: time.UTC})
	tests := []Range{
		{From: day(20, 0), To: day(14, 0)},
		{From: day(1, 0), To: day(1, 0).AddDate(2, 0, 0)},
	}
	for _, r := range tests {
		if _, err := p.Summary(context.Background(), r, Filters{}); !errors.Is(err, ErrBadRange) {
			t.Fatalf("Summary(%v) err = %v, want ErrBadRange", r, err)
		}
	}
}
