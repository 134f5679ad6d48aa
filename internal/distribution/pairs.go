package distribution

import (
	"time"

	"taskdist/internal/assign"
	"taskdist/internal/completion"
	"taskdist/internal/cycle"
	"taskdist/internal/models"
)

// pair is one (template, rule) unit of scheduling with the rule overrides
// already applied. RuleID is empty for a template without rules.
type pair struct {
	tpl    models.Template
	ruleID string
	spec   cycle.Spec
	assign models.Assignment
	// dueOffset is added to the run minute of an occurrence to get its due
	// minute; it may push the due instant past midnight.
	dueOffset int
}

func (p pair) key(period string) models.EmissionKey {
	return models.EmissionKey{TemplateID: p.tpl.ID, RuleID: p.ruleID, PeriodKey: period}
}

func (p pair) pairKey() string { return p.key("").PairKey() }

func (p pair) configError(err error) *models.ConfigError {
	ce, ok := models.AsConfigError(err)
	if !ok {
		ce = &models.ConfigError{Err: err}
	}
	out := *ce
	out.TemplateID = p.tpl.ID
	out.RuleID = p.ruleID
	return &out
}

// dueAt combines the occurrence with the due offset in the pair timezone.
func (p pair) dueAt(run time.Time) time.Time {
	loc := p.spec.Location
	if loc == nil {
		loc = time.Local
	}
	local := run.In(loc)
	minute := local.Hour()*60 + local.Minute() + p.dueOffset
	return time.Date(local.Year(), local.Month(), local.Day(), 0, minute, 0, 0, loc)
}

// pairsOf expands a template into its schedulable pairs. Inactive rules are
// dropped; a template whose rules are all inactive yields nothing.
func pairsOf(t models.Template, loc *time.Location) []pair {
	offset := t.DueAtMinute - t.RunAtMinute
	if len(t.Rules) == 0 {
		return []pair{{
			tpl:       t,
			spec:      cycle.FromTemplate(t, loc),
			assign:    t.AssigneeMode,
			dueOffset: offset,
		}}
	}
	out := make([]pair, 0, len(t.Rules))
	for _, r := range t.Rules {
		if !r.IsActive {
			continue
		}
		out = append(out, pair{
			tpl:       t,
			ruleID:    r.ID,
			spec:      cycle.FromRule(t, r, loc),
			assign:    inherit(r.Assignment, t.AssigneeMode),
			dueOffset: offset,
		})
	}
	return out
}

// inherit fills unset rule assignment fields from the template default.
func inherit(rule, def models.Assignment) models.Assignment {
	if rule.Scope == nil {
		rule.Scope = def.Scope
	}
	if rule.Strategy == "" {
		rule.Strategy = def.Strategy
	}
	if rule.Completion == "" {
		rule.Completion = def.Completion
		if rule.Due == (models.DuePolicy{}) {
			rule.Due = def.Due
		}
	}
	return rule
}

// validate returns the configuration error that halts the pair, plus
// non-fatal warnings.
func (p pair) validate() ([]models.Warning, error) {
	if err := cycle.Validate(p.spec); err != nil {
		return nil, p.configError(err)
	}
	if p.tpl.DueAtMinute < 0 || p.tpl.DueAtMinute > 1439 {
		return nil, p.configError(models.NewConfigError("due minute %d outside [0, 1439]", p.tpl.DueAtMinute))
	}
	if p.tpl.MaxBackfillPeriods < 0 {
		return nil, p.configError(models.NewConfigError("maxBackfillPeriods must be >= 0"))
	}
	// A due instant before the run instant has no agreed rollover rule.
	if p.dueOffset < 0 {
		return nil, p.configError(models.NewConfigError("due minute %d is before run minute %d",
			p.tpl.DueAtMinute, p.tpl.RunAtMinute))
	}
	if err := models.ValidateScope(p.assign.Scope); err != nil {
		return nil, p.configError(&models.ConfigError{Reason: "invalid scope", Err: err})
	}
	if err := assign.Validate(p.assign.Strategy); err != nil {
		return nil, p.configError(err)
	}
	if err := completion.Validate(p.assign.Completion, p.assign.Due); err != nil {
		return nil, p.configError(err)
	}

	var warns []models.Warning
	if p.dueOffset == 0 {
		warns = append(warns, models.Warning{Code: models.WarnZeroDueWindow, Message: "task is due the instant it is dispatched"})
	}
	return warns, nil
}
