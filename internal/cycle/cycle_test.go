package cycle

import (
	"testing"
	"time"

	"taskdist/internal/models"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.ParseInLocation("2006-01-02T15:04", s, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestNextVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		ref  string
		want string
	}{
		{
			name: "daily later today",
			spec: Spec{Type: models.CycleDaily, RunAtMinute: 540},
			ref:  "2025-06-16T08:00",
			want: "2025-06-16T09:00",
		},
		{
			name: "daily rolls to tomorrow",
			spec: Spec{Type: models.CycleDaily, RunAtMinute: 540},
			ref:  "2025-06-16T10:00",
			want: "2025-06-17T09:00",
		},
		{
			name: "daily same instant is not returned",
			spec: Spec{Type: models.CycleDaily, RunAtMinute: 540},
			ref:  "2025-06-16T09:00",
			want: "2025-06-17T09:00",
		},
		{
			name: "weekly later this week",
			spec: Spec{Type: models.CycleWeekly, RunAtMinute: 540, DayOfWeek: 3},
			ref:  "2025-06-16T10:00",
			want: "2025-06-18T09:00",
		},
		{
			name: "weekly passed this week",
			spec: Spec{Type: models.CycleWeekly, RunAtMinute: 540, DayOfWeek: 1},
			ref:  "2025-06-16T10:00",
			want: "2025-06-23T09:00",
		},
		{
			name: "weekly sunday from sunday evening",
			spec: Spec{Type: models.CycleWeekly, RunAtMinute: 60, DayOfWeek: 7},
			ref:  "2025-06-22T23:00",
			want: "2025-06-29T01:00",
		},
		{
			name: "monthly day 31 clamps in a 30 day month",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 540, DayOfMonth: 31},
			ref:  "2025-06-01T00:00",
			want: "2025-06-30T09:00",
		},
		{
			name: "monthly zero is month end in february",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 540, DayOfMonth: 0},
			ref:  "2025-02-10T00:00",
			want: "2025-02-28T09:00",
		},
		{
			name: "monthly zero in leap february",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 540, DayOfMonth: 0},
			ref:  "2024-02-10T00:00",
			want: "2024-02-29T09:00",
		},
		{
			name: "monthly passed moves to next month end",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 540, DayOfMonth: 0},
			ref:  "2025-06-30T10:00",
			want: "2025-07-31T09:00",
		},
		{
			name: "monthly crosses year",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 0, DayOfMonth: 15},
			ref:  "2025-12-20T00:00",
			want: "2026-01-15T00:00",
		},
		{
			name: "multi weekday picks earliest",
			spec: Spec{Type: models.CycleWeekly, RunAtMinute: 540, Weekdays: []int{5, 1}},
			ref:  "2025-06-17T10:00",
			want: "2025-06-20T09:00",
		},
		{
			name: "multi month day picks earliest",
			spec: Spec{Type: models.CycleMonthly, RunAtMinute: 540, MonthDays: []int{1, 15}},
			ref:  "2025-06-02T10:00",
			want: "2025-06-15T09:00",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.Location = time.UTC
			got, ok, err := Next(tt.spec, mustTime(t, tt.ref))
			if err != nil {
				t.Fatalf("Next error: %v", err)
			}
			if !ok {
				t.Fatalf("Next returned no occurrence")
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Fatalf("Next = %s, want %s", got.Format(time.RFC3339), want.Format(time.RFC3339))
			}
		})
	}
}

func TestNextOneTime(t *testing.T) {
	t.Parallel()
	spec := Spec{Type: models.CycleOneTime, RunAtMinute: 540, Anchor: mustTime(t, "2025-06-20T00:00"), Location: time.UTC}

	got, ok, err := Next(spec, mustTime(t, "2025-06-16T10:00"))
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v, %v), want occurrence", got, ok, err)
	}
	if want := mustTime(t, "2025-06-20T09:00"); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}

	if _, ok, err := Next(spec, mustTime(t, "2025-06-20T09:00")); err != nil || ok {
		t.Fatalf("expected no occurrence after the single run, ok=%v err=%v", ok, err)
	}
}

func TestNextIsStrictlyAfterReference(t *testing.T) {
	t.Parallel()
	specs := []Spec{
		{Type: models.CycleDaily, RunAtMinute: 0},
		{Type: models.CycleDaily, RunAtMinute: 1439},
		{Type: models.CycleWeekly, RunAtMinute: 720, DayOfWeek: 7},
		{Type: models.CycleWeekly, RunAtMinute: 30, Weekdays: []int{1, 3, 5}},
		{Type: models.CycleMonthly, RunAtMinute: 600, DayOfMonth: 31},
		{Type: models.CycleMonthly, RunAtMinute: 600, DayOfMonth: 0},
		{Type: models.CycleMonthly, RunAtMinute: 0, MonthDays: []int{0, 29}},
	}
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		jakarta = time.UTC
	}
	start := mustTime(t, "2024-01-01T00:00")
	for _, s := range specs {
		for _, loc := range []*time.Location{time.UTC, jakarta} {
			s.Location = loc
			for i := 0; i < 24*90; i += 7 {
				ref := start.Add(time.Duration(i) * time.Hour)
				got, ok, err := Next(s, ref)
				if err != nil || !ok {
					t.Fatalf("%+v Next(%s) = (%v, %v)", s, ref, ok, err)
				}
				if !got.After(ref) {
					t.Fatalf("%+v Next(%s) = %s, not after reference", s, ref, got)
				}
			}
		}
	}
}

func TestEnumerate(t *testing.T) {
	t.Parallel()
	spec := Spec{Type: models.CycleDaily, RunAtMinute: 540, Location: time.UTC}
	got, err := Enumerate(spec, mustTime(t, "2025-06-10T09:00"), mustTime(t, "2025-06-15T09:00"), 0)
	if err != nil {
		t.Fatalf("Enumerate error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if !got[0].Equal(mustTime(t, "2025-06-11T09:00")) || !got[4].Equal(mustTime(t, "2025-06-15T09:00")) {
		t.Fatalf("unexpected bounds: %s .. %s", got[0], got[4])
	}
}

func TestEnumerateIterationCap(t *testing.T) {
	t.Parallel()
	spec := Spec{Type: models.CycleDaily, RunAtMinute: 540, Location: time.UTC}
	_, err := Enumerate(spec, mustTime(t, "2025-06-01T00:00"), mustTime(t, "2025-07-01T00:00"), 3)
	if err == nil {
		t.Fatal("expected iteration cap error")
	}
	if !models.IsConfigError(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestEnumerateExactlyAtCap(t *testing.T) {
	t.Parallel()
	spec := Spec{Type: models.CycleDaily, RunAtMinute: 540, Location: time.UTC}
	got, err := Enumerate(spec, mustTime(t, "2025-06-10T10:00"), mustTime(t, "2025-06-13T10:00"), 3)
	if err != nil {
		t.Fatalf("Enumerate error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if _, err := Enumerate(spec, mustTime(t, "2025-06-10T10:00"), mustTime(t, "2025-06-14T10:00"), 3); !models.IsConfigError(err) {
		t.Fatalf("four occurrences with cap 3: err = %v, want configuration error", err)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	bad := []Spec{
		{Type: "HOURLY", RunAtMinute: 0},
		{Type: models.CycleDaily, RunAtMinute: 1440},
		{Type: models.CycleDaily, RunAtMinute: -1},
		{Type: models.CycleWeekly, RunAtMinute: 0, DayOfWeek: 0},
		{Type: models.CycleWeekly, RunAtMinute: 0, Weekdays: []int{1, 8}},
		{Type: models.CycleMonthly, RunAtMinute: 0, DayOfMonth: 32},
		{Type: models.CycleOneTime, RunAtMinute: 0},
	}
	for _, s := range bad {
		if err := Validate(s); !models.IsConfigError(err) {
			t.Fatalf("Validate(%+v) = %v, want configuration error", s, err)
		}
	}
}

func TestPeriodKey(t *testing.T) {
	t.Parallel()
	ts := mustTime(t, "2025-06-16T09:00")
	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{Type: models.CycleDaily}, "2025-06-16"},
		{Spec{Type: models.CycleOneTime}, "2025-06-16"},
		{Spec{Type: models.CycleWeekly, DayOfWeek: 1}, "2025-W25"},
		{Spec{Type: models.CycleWeekly, Weekdays: []int{1, 4}}, "2025-W25-1"},
		{Spec{Type: models.CycleMonthly}, "2025-06"},
		{Spec{Type: models.CycleMonthly, MonthDays: []int{16}}, "2025-06-16"},
	}
	for _, tt := range tests {
		tt.spec.Location = time.UTC
		if got := PeriodKey(tt.spec, ts); got != tt.want {
			t.Fatalf("PeriodKey(%s) = %s, want %s", tt.spec.Type, got, tt.want)
		}
	}
}

func TestFromRuleOverrides(t *testing.T) {
	t.Parallel()
	dispatch := 600
	tpl := models.Template{CycleType: models.CycleDaily, RunAtMinute: 540}
	r := models.Rule{FrequencyType: models.CycleWeekly, Weekdays: []int{2}, DispatchAtMinute: &dispatch}
	s := FromRule(tpl, r, time.UTC)
	if s.Type != models.CycleWeekly || s.RunAtMinute != 600 || len(s.Weekdays) != 1 {
		t.Fatalf("unexpected spec: %+v", s)
	}

	s = FromRule(tpl, models.Rule{}, time.UTC)
	if s.Type != models.CycleDaily || s.RunAtMinute != 540 {
		t.Fatalf("rule without overrides should inherit: %+v", s)
	}
}
