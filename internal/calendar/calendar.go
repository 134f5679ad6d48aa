// Package calendar projects materialized tasks and not-yet-due occurrences
// onto days. It only reads from the store and can run alongside the
// distribution engine without coordination.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskdist/internal/distribution"
	"taskdist/internal/models"
	"taskdist/internal/storage"
	logx "taskdist/pkg/logx"
)

// MaxDays bounds one summary.
const MaxDays = 366

var ErrBadRange = errors.New("calendar: invalid range")

// Range is the half-open interval [From, To). Days are cut in the projector
// timezone.
type Range struct {
	From time.Time
	To   time.Time
}

type Filters struct {
	TemplateIDs []string
	TaskTypes   []string
	// AssigneeID limits materialized counts to one user. Previews carry no
	// assignee and are omitted when it is set.
	AssigneeID string
}

// Materialized counts tasks that exist in the store.
type Materialized struct {
	Total    int                       `json:"total"`
	Late     int                       `json:"late"`
	ByType   map[string]int            `json:"by_type"`
	ByStatus map[models.TaskStatus]int `json:"by_status"`
}

// Preview counts occurrences that have not fired yet. Nothing here exists
// in the store.
type Preview struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

type Day struct {
	Date         string       `json:"date"`
	Materialized Materialized `json:"materialized"`
	Preview      Preview      `json:"preview"`
}

type Summary struct {
	From     time.Time                 `json:"from"`
	To       time.Time                 `json:"to"`
	Timezone string                    `json:"timezone"`
	Days     []Day                     `json:"days"`
	Problems []distribution.PairReport `json:"problems,omitempty"`
}

type Options struct {
	Now           func() time.Time
	Location      *time.Location
	MaxIterations int
}

type Projector struct {
	store   storage.Store
	log     logx.Logger
	now     func() time.Time
	loc     *time.Location
	maxIter int
}

func New(store storage.Store, log logx.Logger, opts Options) *Projector {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Projector{store: store, log: log.With(logx.String("comp", "calendar")), now: opts.Now, loc: opts.Location, maxIter: opts.MaxIterations}
	if p.now == nil {
		p.now = time.Now
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	return p
}

// Summary aggregates the range per day. Materialized tasks are bucketed by
// their run instant; previews cover occurrences after now only.
func (p *Projector) Summary(ctx context.Context, r Range, f Filters) (Summary, error) {
	days, err := p.days(r)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{From: r.From, To: r.To, Timezone: p.loc.String(), Days: days}
	index := make(map[string]int, len(days))
	for i, d := range days {
		index[d.Date] = i
	}

	if err := p.materialized(ctx, r, f, sum.Days, index); err != nil {
		return Summary{}, err
	}
	if f.AssigneeID == "" {
		problems, err := p.preview(ctx, r, f, sum.Days, index)
		if err != nil {
			return Summary{}, err
		}
		sum.Problems = problems
	}
	return sum, nil
}

func (p *Projector) days(r Range) ([]Day, error) {
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return nil, fmt.Errorf("%w: from must be before to", ErrBadRange)
	}
	var out []Day
	from := r.From.In(p.loc)
	cur := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, p.loc)
	for cur.Before(r.To) {
		if len(out) >= MaxDays {
			return nil, fmt.Errorf("%w: more than %d days", ErrBadRange, MaxDays)
		}
		out = append(out, Day{
			Date:         cur.Format("2006-01-02"),
			Materialized: Materialized{ByType: map[string]int{}, ByStatus: map[models.TaskStatus]int{}},
			Preview:      Preview{ByType: map[string]int{}},
		})
		cur = cur.AddDate(0, 0, 1)
	}
	return out, nil
}

func (p *Projector) materialized(ctx context.Context, r Range, f Filters, days []Day, index map[string]int) error {
	// The store filters on due instants, which trail run instants by less
	// than a day.
	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{From: r.From, To: r.To.Add(24 * time.Hour), AssigneeID: f.AssigneeID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.RunAt.Before(r.From) || !t.RunAt.Before(r.To) {
			continue
		}
		if !match(f.TemplateIDs, t.TemplateID) || !match(f.TaskTypes, t.TaskType) {
			continue
		}
		i, ok := index[t.RunAt.In(p.loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		m := &days[i].Materialized
		m.Total++
		m.ByType[t.TaskType]++
		m.ByStatus[t.Status]++
		if t.IsLate {
			m.Late++
		}
	}
	return nil
}

func (p *Projector) preview(ctx context.Context, r Range, f Filters, days []Day, index map[string]int) ([]distribution.PairReport, error) {
	from := r.From.Add(-time.Nanosecond)
	if now := p.now(); now.After(from) {
		from = now
	}
	to := r.To.Add(-time.Nanosecond)
	if !to.After(from) {
		return nil, nil
	}
	tpls, err := p.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	var problems []distribution.PairReport
	for _, t := range tpls {
		if !t.IsActive || !match(f.TemplateIDs, t.ID) || !match(f.TaskTypes, t.TaskType) {
			continue
		}
		occs, probs := distribution.Occurrences(t, p.loc, from, to, p.maxIter)
		problems = append(problems, probs...)
		for _, o := range occs {
			i, ok := index[o.RunAt.In(p.loc).Format("2006-01-02")]
			if !ok {
				continue
			}
			days[i].Preview.Total++
			days[i].Preview.ByType[o.TaskType]++
		}
	}
	if len(problems) > 0 {
		sort.Slice(problems, func(i, j int) bool {
			if problems[i].TemplateID != problems[j].TemplateID {
				return problems[i].TemplateID < problems[j].TemplateID
			}
			return problems[i].RuleID < problems[j].RuleID
		})
		p.log.Debug("preview skipped invalid pairs", logx.Int("pairs", len(problems)))
	}
	return problems, nil
}

func match(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
