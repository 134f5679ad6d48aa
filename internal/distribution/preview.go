package distribution

import (
	"context"
	"sort"
	"time"

	"taskdist/internal/assign"
	"taskdist/internal/completion"
	"taskdist/internal/cycle"
	"taskdist/internal/models"
)

// Occurrence is one enumerated, not necessarily emitted, firing of a pair.
type Occurrence struct {
	Key      models.EmissionKey `json:"key"`
	RunAt    time.Time          `json:"run_at"`
	DueAt    time.Time          `json:"due_at"`
	TaskType string             `json:"task_type"`
	Priority int                `json:"priority"`
}

// Occurrences enumerates the template's occurrences in (from, to] across its
// active pairs, respecting the validity window. Pairs that fail validation
// or enumeration are returned as problems and contribute nothing.
func Occurrences(t models.Template, loc *time.Location, from, to time.Time, maxIter int) ([]Occurrence, []PairReport) {
	var (
		out      []Occurrence
		problems []PairReport
	)
	for _, p := range pairsOf(t, loc) {
		occs, warns, err := p.enumerate(from, to, maxIter)
		if err != nil {
			problems = append(problems, PairReport{TemplateID: t.ID, RuleID: p.ruleID, Warnings: warns, Error: err.Error()})
			continue
		}
		for _, o := range occs {
			out = append(out, Occurrence{
				Key:      p.key(cycle.PeriodKey(p.spec, o)),
				RunAt:    o,
				DueAt:    p.dueAt(o),
				TaskType: t.TaskType,
				Priority: t.Priority,
			})
		}
	}
	sortOccurrences(out)
	return out, problems
}

func (p pair) enumerate(from, to time.Time, maxIter int) ([]time.Time, []models.Warning, error) {
	warns, err := p.validate()
	if err != nil {
		return nil, warns, err
	}
	if start := activeStart(p); !start.IsZero() && start.After(from) {
		from = start
	}
	if !from.Before(to) {
		return nil, warns, nil
	}
	occs, err := cycle.Enumerate(p.spec, from, to, maxIter)
	if err != nil {
		return nil, warns, p.configError(err)
	}
	return inWindow(p.tpl, occs), warns, nil
}

func sortOccurrences(out []Occurrence) {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
}

type PreviewOptions struct {
	// WithAssignees resolves scope once per pair and simulates selection
	// forward from the stored cursor and pending counts. Nothing is written.
	WithAssignees bool
}

type PreviewItem struct {
	Occurrence
	State         models.OccurrenceState `json:"state"`
	Assignees     []string               `json:"assignees,omitempty"`
	Grouped       bool                   `json:"grouped,omitempty"`
	RequiredCount int                    `json:"required_count,omitempty"`
}

type Preview struct {
	TemplateID string        `json:"template_id"`
	From       time.Time     `json:"from"`
	To         time.Time     `json:"to"`
	Items      []PreviewItem `json:"items"`
	Problems   []PairReport  `json:"problems,omitempty"`
}

// PreviewOccurrences lists the template's occurrences in (now, now+horizon].
// It is read-only.
func (e *Engine) PreviewOccurrences(ctx context.Context, templateID string, horizon time.Duration, opts PreviewOptions) (Preview, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return Preview{}, err
	}
	now := e.now()
	pv := Preview{TemplateID: tpl.ID, From: now, To: now.Add(horizon)}
	if horizon <= 0 {
		return pv, nil
	}
	maxIter := e.config().MaxIterations

	for _, p := range pairsOf(tpl, e.loc) {
		occs, warns, err := p.enumerate(pv.From, pv.To, maxIter)
		if err != nil {
			pv.Problems = append(pv.Problems, PairReport{TemplateID: tpl.ID, RuleID: p.ruleID, Warnings: warns, Error: err.Error()})
			continue
		}
		sim, problem := e.simulator(ctx, p, opts)
		if problem != "" {
			pv.Problems = append(pv.Problems, PairReport{TemplateID: tpl.ID, RuleID: p.ruleID, Warnings: warns, Error: problem})
		}
		for _, o := range occs {
			item := PreviewItem{
				Occurrence: Occurrence{
					Key:      p.key(cycle.PeriodKey(p.spec, o)),
					RunAt:    o,
					DueAt:    p.dueAt(o),
					TaskType: tpl.TaskType,
					Priority: tpl.Priority,
				},
				State: models.OccurrenceNotDue,
			}
			if sim != nil {
				sim.next(&item)
			}
			pv.Items = append(pv.Items, item)
		}
	}
	sort.SliceStable(pv.Items, func(i, j int) bool {
		a, b := pv.Items[i], pv.Items[j]
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.Key.String() < b.Key.String()
	})
	return pv, nil
}

// selectionSim replays assignee selection against local copies of the
// rotation cursor and pending counts.
type selectionSim struct {
	p       pair
	cands   []models.Candidate
	cursor  models.CursorState
	pending map[string]int
}

func (e *Engine) simulator(ctx context.Context, p pair, opts PreviewOptions) (*selectionSim, string) {
	if !opts.WithAssignees {
		return nil, ""
	}
	cands, err := e.resolve(ctx, p.assign.Scope)
	if err != nil {
		return nil, "scope: " + err.Error()
	}
	sim := &selectionSim{p: p, cands: cands, pending: map[string]int{}}
	if len(cands) == 0 {
		return sim, ""
	}
	if assign.NeedsCursor(p.assign.Strategy) {
		cur, err := e.store.Cursor(ctx, p.pairKey())
		if err != nil {
			return nil, "cursor: " + err.Error()
		}
		sim.cursor = cur
	}
	if assign.NeedsPending(p.assign.Strategy) {
		pending, err := e.store.PendingCounts(ctx, assign.UserIDs(cands))
		if err != nil {
			return nil, "pending counts: " + err.Error()
		}
		for k, v := range pending {
			sim.pending[k] = v
		}
	}
	return sim, ""
}

func (s *selectionSim) next(item *PreviewItem) {
	if len(s.cands) == 0 {
		item.State = models.OccurrenceSkippedEmpty
		return
	}
	sel, err := assign.Select(assign.Input{Strategy: s.p.assign.Strategy, Candidates: s.cands, Cursor: s.cursor, Pending: s.pending})
	if err != nil {
		return
	}
	if sel.Cursor != nil {
		s.cursor = *sel.Cursor
	}
	selected := sel.Selected
	if s.p.assign.Completion != models.CompletionEach {
		selected = distinctUsers(selected)
	}
	for _, c := range selected {
		s.pending[c.UserID]++
	}
	item.Assignees = assign.UserIDs(selected)
	if plan, err := completion.Shape(s.p.assign.Completion, selected, s.p.assign.Due, s.p.assign.Grouping); err == nil {
		item.Grouped = plan.Grouped
		item.RequiredCount = plan.RequiredCount
	}
}
