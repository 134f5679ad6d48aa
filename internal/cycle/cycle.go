// Package cycle converts a cycle definition plus a reference instant into
// occurrence instants. It has no dependencies beyond the model types.
package cycle

import (
	"fmt"
	"time"

	"taskdist/internal/models"
)

// DefaultMaxIterations bounds Enumerate so a cycle that stops advancing is
// reported instead of looping forever.
const DefaultMaxIterations = 10000

const minutesPerDay = 24 * 60

// Spec is a fully resolved cycle: template settings with any rule overrides
// already applied.
type Spec struct {
	Type        models.CycleType
	RunAtMinute int
	// DayOfWeek is ISO (1=Monday .. 7=Sunday). Used when Weekdays is empty.
	DayOfWeek int
	// DayOfMonth 0 means last day of month; values past month end clamp.
	DayOfMonth int
	// Weekdays/MonthDays select several days per period (rules only).
	Weekdays  []int
	MonthDays []int
	// Anchor is activeFrom; ONE_TIME fires on its date.
	Anchor   time.Time
	Location *time.Location
}

// FromTemplate builds the template's own cycle.
func FromTemplate(t models.Template, loc *time.Location) Spec {
	return Spec{
		Type:        t.CycleType,
		RunAtMinute: t.RunAtMinute,
		DayOfWeek:   t.RunDayOfWeek,
		DayOfMonth:  t.RunDayOfMonth,
		Anchor:      t.ActiveFrom,
		Location:    t.Location(loc),
	}
}

// FromRule overlays rule frequency settings on the template cycle.
func FromRule(t models.Template, r models.Rule, loc *time.Location) Spec {
	s := FromTemplate(t, loc)
	if r.FrequencyType != "" {
		s.Type = r.FrequencyType
	}
	if r.DispatchAtMinute != nil {
		s.RunAtMinute = *r.DispatchAtMinute
	}
	s.Weekdays = append([]int(nil), r.Weekdays...)
	s.MonthDays = append([]int(nil), r.MonthDays...)
	return s
}

func (s Spec) loc() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

// MultiDay reports whether the cycle fires on more than one day per period.
func (s Spec) MultiDay() bool {
	switch s.Type {
	case models.CycleWeekly:
		return len(s.Weekdays) > 0
	case models.CycleMonthly:
		return len(s.MonthDays) > 0
	}
	return false
}

// Validate checks field ranges. Errors are *models.ConfigError.
func Validate(s Spec) error {
	if !s.Type.Valid() {
		return models.NewConfigError("unknown cycle type %q", s.Type)
	}
	if s.RunAtMinute < 0 || s.RunAtMinute >= minutesPerDay {
		return models.NewConfigError("run minute %d outside [0, 1439]", s.RunAtMinute)
	}
	switch s.Type {
	case models.CycleOneTime:
		if s.Anchor.IsZero() {
			return models.NewConfigError("ONE_TIME cycle needs activeFrom")
		}
	case models.CycleWeekly:
		days := s.Weekdays
		if len(days) == 0 {
			days = []int{s.DayOfWeek}
		}
		for _, d := range days {
			if d < 1 || d > 7 {
				return models.NewConfigError("weekday %d outside [1, 7]", d)
			}
		}
	case models.CycleMonthly:
		days := s.MonthDays
		if len(days) == 0 {
			days = []int{s.DayOfMonth}
		}
		for _, d := range days {
			if d < 0 || d > 31 {
				return models.NewConfigError("month day %d outside [0, 31]", d)
			}
		}
	}
	return nil
}

// Next returns the first occurrence strictly after ref. ok is false when the
// cycle has no further occurrences (ONE_TIME already fired).
func Next(s Spec, ref time.Time) (time.Time, bool, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, false, err
	}
	var (
		next time.Time
		ok   bool
	)
	switch {
	case s.Type == models.CycleWeekly && len(s.Weekdays) > 0:
		next, ok = earliest(s.Weekdays, func(d int) time.Time { return nextWeekly(s, d, ref) })
	case s.Type == models.CycleMonthly && len(s.MonthDays) > 0:
		next, ok = earliest(s.MonthDays, func(d int) time.Time { return nextMonthly(s, d, ref) })
	default:
		next, ok = nextSingle(s, ref)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	if !next.After(ref) {
		return time.Time{}, false, models.NewConfigError("cycle did not advance past %s", ref.Format(time.RFC3339))
	}
	return next, true, nil
}

func nextSingle(s Spec, ref time.Time) (time.Time, bool) {
	switch s.Type {
	case models.CycleOneTime:
		a := s.Anchor.In(s.loc())
		t := at(a.Year(), a.Month(), a.Day(), s.RunAtMinute, s.loc())
		if !t.After(ref) {
			return time.Time{}, false
		}
		return t, true
	case models.CycleDaily:
		r := ref.In(s.loc())
		t := at(r.Year(), r.Month(), r.Day(), s.RunAtMinute, s.loc())
		if !t.After(ref) {
			t = at(r.Year(), r.Month(), r.Day()+1, s.RunAtMinute, s.loc())
		}
		return t, true
	case models.CycleWeekly:
		return nextWeekly(s, s.DayOfWeek, ref), true
	case models.CycleMonthly:
		return nextMonthly(s, s.DayOfMonth, ref), true
	}
	return time.Time{}, false
}

func nextWeekly(s Spec, dow int, ref time.Time) time.Time {
	r := ref.In(s.loc())
	monday := r.Day() - (isoWeekday(r) - 1)
	t := at(r.Year(), r.Month(), monday+dow-1, s.RunAtMinute, s.loc())
	if !t.After(ref) {
		t = at(r.Year(), r.Month(), monday+dow-1+7, s.RunAtMinute, s.loc())
	}
	return t
}

func nextMonthly(s Spec, dom int, ref time.Time) time.Time {
	r := ref.In(s.loc())
	var t time.Time
	// Two months always suffice: the clamped day exists in every month.
	for off := 0; off < 2; off++ {
		first := time.Date(r.Year(), r.Month()+time.Month(off), 1, 0, 0, 0, 0, s.loc())
		last := LastDayOfMonth(first)
		day := dom
		if day < 1 || day > last {
			day = last
		}
		t = at(first.Year(), first.Month(), day, s.RunAtMinute, s.loc())
		if t.After(ref) {
			return t
		}
	}
	return t
}

func earliest(days []int, fn func(d int) time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, d := range days {
		t := fn(d)
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	return best, found
}

// Enumerate returns every occurrence in (from, to] by repeated application
// of Next. More than maxIter occurrences is a configuration error.
func Enumerate(s Spec, from, to time.Time, maxIter int) ([]time.Time, error) {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	var out []time.Time
	cur := from
	for {
		next, ok, err := Next(s, cur)
		if err != nil {
			return nil, err
		}
		if !ok || next.After(to) {
			return out, nil
		}
		if len(out) >= maxIter {
			return nil, models.NewConfigError("cycle produced more than %d occurrences between %s and %s",
				maxIter, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		out = append(out, next)
		cur = next
	}
}

// PeriodKey returns the canonical identifier of the period containing t.
func PeriodKey(s Spec, t time.Time) string {
	lt := t.In(s.loc())
	switch s.Type {
	case models.CycleWeekly:
		y, w := lt.ISOWeek()
		if s.MultiDay() {
			return fmt.Sprintf("%04d-W%02d-%d", y, w, isoWeekday(lt))
		}
		return fmt.Sprintf("%04d-W%02d", y, w)
	case models.CycleMonthly:
		if s.MultiDay() {
			return lt.Format("2006-01-02")
		}
		return lt.Format("2006-01")
	default:
		return lt.Format("2006-01-02")
	}
}

// PeriodLength is an upper bound on the gap between consecutive occurrences.
func PeriodLength(t models.CycleType) time.Duration {
	switch t {
	case models.CycleWeekly:
		return 7 * 24 * time.Hour
	case models.CycleMonthly:
		return 31 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// At combines a calendar date with a minute-of-day.
func At(date time.Time, minute int, loc *time.Location) time.Time {
	d := date.In(loc)
	return at(d.Year(), d.Month(), d.Day(), minute, loc)
}

func at(y int, m time.Month, d, minute int, loc *time.Location) time.Time {
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, loc)
}

// LastDayOfMonth returns the number of days in t's month.
func LastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
