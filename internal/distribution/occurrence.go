package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskdist/internal/assign"
	"taskdist/internal/completion"
	"taskdist/internal/cycle"
	"taskdist/internal/eventbus"
	"taskdist/internal/models"
	"taskdist/internal/storage"
	logx "taskdist/pkg/logx"
)

type outcome int

const (
	outEmitted outcome = iota
	outDuplicate
	outExpired
	outSkippedEmpty
	outRetry
	outHalted
)

// resolved reports whether the occurrence never needs another look.
func (o outcome) resolved() bool {
	switch o {
	case outEmitted, outDuplicate, outExpired, outSkippedEmpty:
		return true
	}
	return false
}

// Emitted is the event payload published for each committed emission.
type Emitted struct {
	Key       models.EmissionKey `json:"key"`
	RunAt     time.Time          `json:"run_at"`
	DueAt     time.Time          `json:"due_at"`
	Late      bool               `json:"late,omitempty"`
	GroupID   string             `json:"group_id,omitempty"`
	TaskIDs   []string           `json:"task_ids"`
	Assignees []string           `json:"assignees"`
}

func (e *Engine) runTemplate(ctx context.Context, tpl models.Template) (Report, error) {
	rep := Report{Templates: 1}
	now := e.now()
	var errs []error
	pairs := pairsOf(tpl, e.loc)
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		pr, err := e.runPair(ctx, p, now)
		rep.Counts.add(pr.Counts)
		rep.Pairs = append(rep.Pairs, pr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.pairKey(), err))
		}
	}
	e.refreshNextRunAt(ctx, tpl, pairs, now)
	return rep, errors.Join(errs...)
}

// runPair processes every due occurrence of one pair. A returned error is a
// store or context failure; configuration errors halt the pair and are
// reported in the PairReport instead.
func (e *Engine) runPair(ctx context.Context, p pair, now time.Time) (PairReport, error) {
	pr := PairReport{TemplateID: p.tpl.ID, RuleID: p.ruleID}
	log := e.log.With(logx.String("template", p.tpl.ID), logx.String("rule", p.ruleID))

	h, halted, err := e.store.GetHalt(ctx, p.pairKey())
	if err != nil {
		return pr, err
	}
	if halted {
		if h.Revision == p.tpl.Revision {
			pr.Counts.Halted = 1
			pr.Error = h.Reason
			return pr, nil
		}
		if err := e.store.ClearHalt(ctx, p.pairKey()); err != nil {
			return pr, err
		}
		log.Info("halt lifted after template change", logx.Int64("halted_revision", h.Revision), logx.Int64("revision", p.tpl.Revision))
	}

	warns, err := p.validate()
	if err != nil {
		return pr, e.halt(ctx, p, &pr, err, nil, now)
	}
	pr.Warnings = warns
	for _, w := range warns {
		log.Debug("configuration warning", logx.String("code", w.Code), logx.String("detail", w.Message))
	}

	occs, err := e.dueOccurrences(ctx, p, now)
	if err != nil {
		if models.IsConfigError(err) {
			return pr, e.halt(ctx, p, &pr, err, nil, now)
		}
		return pr, err
	}
	if len(occs) == 0 {
		return pr, nil
	}

	keep := p.tpl.MaxBackfillPeriods
	if keep < 1 {
		keep = 1
	}
	cut := len(occs) - keep
	var firstOpen time.Time
	for i, occ := range occs {
		out, warnings, err := e.occurrence(ctx, p, occ, i < cut, now, &pr)
		pr.Warnings = appendWarnings(pr.Warnings, warnings)
		if err != nil {
			return pr, err
		}
		if !out.resolved() && firstOpen.IsZero() {
			firstOpen = occ
		}
		if out == outHalted {
			break
		}
	}

	cp := now
	if !firstOpen.IsZero() {
		cp = firstOpen.Add(-time.Millisecond)
	}
	if err := e.store.SetCheckpoint(ctx, p.pairKey(), cp); err != nil {
		return pr, err
	}
	return pr, nil
}

// dueOccurrences enumerates the pair's occurrences in (from, now], where from
// is the latest of the checkpoint, the lookback bound and the activeFrom
// bound. A checkpoint held back by an open occurrence wins over the lookback
// bound, so a pending retry is either emitted or expired through the
// backfill bound and never dropped.
func (e *Engine) dueOccurrences(ctx context.Context, p pair, now time.Time) ([]time.Time, error) {
	cfg := e.config()
	from := now.Add(-cfg.MaxLookback)
	cp, ok, err := e.store.Checkpoint(ctx, p.pairKey())
	if err != nil {
		return nil, err
	}
	if ok {
		switch {
		case cp.After(from):
			from = cp
		default:
			open, err := e.hasOpenAfter(ctx, p, cp)
			if err != nil {
				return nil, err
			}
			if open {
				from = cp
			}
		}
	}
	if start := activeStart(p); !start.IsZero() && start.After(from) {
		from = start
	}
	if !from.Before(now) {
		return nil, nil
	}
	occs, err := cycle.Enumerate(p.spec, from, now, cfg.MaxIterations)
	if err != nil {
		return nil, err
	}
	return inWindow(p.tpl, occs), nil
}

// hasOpenAfter reports whether the pair has a non-terminal occurrence record
// (RETRY_PENDING or FAILED) later than at.
func (e *Engine) hasOpenAfter(ctx context.Context, p pair, at time.Time) (bool, error) {
	recs, err := e.store.ListOccurrences(ctx, p.tpl.ID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Key.RuleID != p.ruleID || r.State.Terminal() {
			continue
		}
		if r.RunAt.After(at) {
			return true, nil
		}
	}
	return false, nil
}

// activeStart is the instant just before the first occurrence activeFrom
// allows. ONE_TIME fires on the activeFrom date whatever the time of day, so
// its bound is the start of that day in the pair timezone; every other cycle
// is bounded by the activeFrom instant itself.
func activeStart(p pair) time.Time {
	if p.tpl.ActiveFrom.IsZero() {
		return time.Time{}
	}
	if p.spec.Type != models.CycleOneTime {
		return p.tpl.ActiveFrom.Add(-time.Nanosecond)
	}
	af := p.tpl.ActiveFrom.In(p.spec.Location)
	day := time.Date(af.Year(), af.Month(), af.Day(), 0, 0, 0, 0, p.spec.Location)
	return day.Add(-time.Nanosecond)
}

func inWindow(t models.Template, occs []time.Time) []time.Time {
	if t.ActiveUntil == nil {
		return occs
	}
	out := occs[:0]
	for _, o := range occs {
		if !o.After(*t.ActiveUntil) {
			out = append(out, o)
		}
	}
	return out
}

// occurrence drives one occurrence through the gate.
func (e *Engine) occurrence(ctx context.Context, p pair, occ time.Time, beyondBound bool, now time.Time, pr *PairReport) (outcome, []models.Warning, error) {
	key := p.key(cycle.PeriodKey(p.spec, occ))
	rec, ok, err := e.store.Outcome(ctx, key)
	if err != nil {
		return outRetry, nil, err
	}
	if ok && rec.State.Terminal() {
		pr.Counts.Duplicate++
		return outDuplicate, nil, nil
	}

	due := p.dueAt(occ)
	switch {
	case beyondBound:
		return e.expire(ctx, key, occ, fmt.Sprintf("beyond backfill bound of %d period(s)", max(p.tpl.MaxBackfillPeriods, 1)), now, pr)
	case !p.tpl.AllowLate && due.Before(now):
		return e.expire(ctx, key, occ, "due instant passed and late generation is disabled", now, pr)
	}

	cands, err := e.resolve(ctx, p.assign.Scope)
	if err != nil {
		if models.IsConfigError(err) {
			return outHalted, nil, e.halt(ctx, p, pr, err, &occ, now)
		}
		return e.retry(ctx, key, occ, err, now, pr)
	}
	if len(cands) == 0 {
		return e.skipEmpty(ctx, key, occ, now, pr)
	}

	em, plan, err := e.emitWithRetry(ctx, p, key, occ, due, cands, now)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrDuplicateEmission):
		e.log.Debug("occurrence already emitted", logx.String("key", key.String()))
		pr.Counts.Duplicate++
		return outDuplicate, plan.Warnings, nil
	case errors.Is(err, models.ErrEmptyScope):
		return e.skipEmpty(ctx, key, occ, now, pr)
	case errors.Is(err, models.ErrCursorConflict):
		return e.retry(ctx, key, occ, err, now, pr)
	case models.IsConfigError(err):
		return outHalted, nil, e.halt(ctx, p, pr, err, &occ, now)
	case ctx.Err() != nil:
		return outRetry, nil, err
	default:
		// Cursor, pending-count and commit failures abort this occurrence only.
		return e.retry(ctx, key, occ, err, now, pr)
	}

	pr.Counts.Emitted++
	pr.Counts.Tasks += len(em.Tasks)
	payload := emittedPayload(em, due)
	e.log.Info("occurrence emitted",
		logx.String("key", key.String()),
		logx.Time("run_at", occ),
		logx.Time("due_at", due),
		logx.Int("tasks", len(em.Tasks)),
		logx.String("policy", string(plan.Policy)),
		logx.Int("required", plan.RequiredCount),
		logx.Bool("late", payload.Late),
	)
	for _, w := range plan.Warnings {
		e.log.Warn("configuration warning", logx.String("key", key.String()), logx.String("code", w.Code), logx.String("detail", w.Message))
	}
	e.publish(eventbus.TypeTasksEmitted, now, payload)
	e.notify(Notice{Kind: NoticeAssigned, Key: key, UserIDs: payload.Assignees, TaskIDs: payload.TaskIDs, At: now})
	return outEmitted, plan.Warnings, nil
}

func (e *Engine) resolve(ctx context.Context, s models.Scope) ([]models.Candidate, error) {
	if e.resolver == nil {
		return nil, models.NewConfigError("no scope resolver configured")
	}
	return e.resolver.Resolve(ctx, s)
}

// emitWithRetry selects, shapes and commits an emission. A cursor conflict
// means a concurrent writer advanced the rotation; the selection is rebuilt
// once from the fresh cursor.
func (e *Engine) emitWithRetry(ctx context.Context, p pair, key models.EmissionKey, occ, due time.Time, cands []models.Candidate, now time.Time) (models.Emission, completion.Plan, error) {
	var (
		em   models.Emission
		plan completion.Plan
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		em, plan, err = e.build(ctx, p, key, occ, due, cands, now)
		if err != nil {
			return em, plan, err
		}
		err = e.store.Emit(ctx, em)
		if !errors.Is(err, models.ErrCursorConflict) {
			return em, plan, err
		}
		e.log.Debug("rotation cursor moved; reselecting", logx.String("key", key.String()))
	}
	return em, plan, err
}

// build runs selection and shaping and returns the emission to commit.
func (e *Engine) build(ctx context.Context, p pair, key models.EmissionKey, occ, due time.Time, cands []models.Candidate, now time.Time) (models.Emission, completion.Plan, error) {
	in := assign.Input{Strategy: p.assign.Strategy, Candidates: cands}
	if assign.NeedsCursor(in.Strategy) {
		cur, err := e.store.Cursor(ctx, p.pairKey())
		if err != nil {
			return models.Emission{}, completion.Plan{}, err
		}
		in.Cursor = cur
	}
	if assign.NeedsPending(in.Strategy) {
		pending, err := e.store.PendingCounts(ctx, assign.UserIDs(cands))
		if err != nil {
			return models.Emission{}, completion.Plan{}, err
		}
		in.Pending = pending
	}
	sel, err := assign.Select(in)
	if err != nil {
		return models.Emission{}, completion.Plan{}, err
	}
	selected := sel.Selected
	if p.assign.Completion != models.CompletionEach {
		selected = distinctUsers(selected)
	}
	plan, err := completion.Shape(p.assign.Completion, selected, p.assign.Due, p.assign.Grouping)
	if err != nil {
		return models.Emission{}, plan, err
	}

	em := models.Emission{Key: key, RunAt: occ, Cursor: sel.Cursor}
	late := due.Before(now)
	base := models.GeneratedTask{
		TemplateID: key.TemplateID,
		RuleID:     key.RuleID,
		PeriodKey:  key.PeriodKey,
		TaskType:   p.tpl.TaskType,
		Priority:   p.tpl.Priority,
		RunAt:      occ,
		DueAt:      due,
		Status:     models.StatusPending,
		IsLate:     late,
		CreatedAt:  now,
	}
	if plan.Grouped {
		em.Group = &models.TaskGroup{
			ID:                e.newID(),
			Key:               key,
			Policy:            plan.Policy,
			RequiredCount:     plan.RequiredCount,
			MemberAssigneeIDs: assign.UserIDs(plan.Assignees),
			Shared:            plan.Shared,
			Status:            models.GroupOpen,
			CreatedAt:         now,
		}
		base.GroupID = em.Group.ID
	}
	if plan.Shared {
		t := base
		t.ID = e.newID()
		if c := plan.Assignees[0]; allSamePoint(plan.Assignees) {
			t.CollectionPointID = c.CollectionPointID
			t.Commodity = c.Commodity
		}
		em.Tasks = []models.GeneratedTask{t}
		return em, plan, nil
	}
	for _, c := range plan.Assignees {
		t := base
		t.ID = e.newID()
		t.AssigneeID = c.UserID
		t.CollectionPointID = c.CollectionPointID
		t.Commodity = c.Commodity
		em.Tasks = append(em.Tasks, t)
	}
	return em, plan, nil
}

// distinctUsers keeps the first candidate per user. Group membership is per
// user, not per collection point.
func distinctUsers(cs []models.Candidate) []models.Candidate {
	seen := make(map[string]struct{}, len(cs))
	out := make([]models.Candidate, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func allSamePoint(cs []models.Candidate) bool {
	for _, c := range cs[1:] {
		if c.CollectionPointID != cs[0].CollectionPointID {
			return false
		}
	}
	return true
}

func emittedPayload(em models.Emission, due time.Time) Emitted {
	out := Emitted{Key: em.Key, RunAt: em.RunAt, DueAt: due}
	if em.Group != nil {
		out.GroupID = em.Group.ID
		out.Assignees = append([]string(nil), em.Group.MemberAssigneeIDs...)
	}
	for _, t := range em.Tasks {
		out.TaskIDs = append(out.TaskIDs, t.ID)
		out.Late = out.Late || t.IsLate
		if em.Group == nil && t.AssigneeID != "" {
			out.Assignees = append(out.Assignees, t.AssigneeID)
		}
	}
	return out
}

func (e *Engine) expire(ctx context.Context, key models.EmissionKey, occ time.Time, detail string, now time.Time, pr *PairReport) (outcome, []models.Warning, error) {
	err := e.store.Resolve(ctx, models.OccurrenceRecord{Key: key, State: models.OccurrenceExpired, RunAt: occ, Detail: detail, At: now})
	if errors.Is(err, models.ErrDuplicateEmission) {
		pr.Counts.Duplicate++
		return outDuplicate, nil, nil
	}
	if err != nil {
		return outRetry, nil, err
	}
	pr.Counts.Expired++
	e.log.Info("occurrence expired", logx.String("key", key.String()), logx.Time("run_at", occ), logx.String("reason", detail))
	rec := models.OccurrenceRecord{Key: key, State: models.OccurrenceExpired, RunAt: occ, Detail: detail, At: now}
	e.publish(eventbus.TypeOccurrenceExpire, now, rec)
	e.notify(Notice{Kind: NoticeExpired, Key: key, Message: detail, At: now})
	return outExpired, nil, nil
}

func (e *Engine) skipEmpty(ctx context.Context, key models.EmissionKey, occ, now time.Time, pr *PairReport) (outcome, []models.Warning, error) {
	rec := models.OccurrenceRecord{Key: key, State: models.OccurrenceSkippedEmpty, RunAt: occ, Detail: "scope resolved to no candidates", At: now}
	err := e.store.Resolve(ctx, rec)
	if errors.Is(err, models.ErrDuplicateEmission) {
		pr.Counts.Duplicate++
		return outDuplicate, nil, nil
	}
	if err != nil {
		return outRetry, nil, err
	}
	pr.Counts.SkippedEmpty++
	e.log.Warn("occurrence skipped: empty scope", logx.String("key", key.String()), logx.Time("run_at", occ))
	e.publish(eventbus.TypeScopeEmpty, now, rec)
	return outSkippedEmpty, nil, nil
}

// retry records a failed attempt. The occurrence stays open for the next
// tick unless the attempt budget is spent.
func (e *Engine) retry(ctx context.Context, key models.EmissionKey, occ time.Time, cause error, now time.Time, pr *PairReport) (outcome, []models.Warning, error) {
	rec := models.OccurrenceRecord{Key: key, State: models.OccurrenceRetryPending, RunAt: occ, Detail: cause.Error(), At: now}
	n, err := e.store.RecordAttempt(ctx, rec)
	if errors.Is(err, models.ErrDuplicateEmission) {
		pr.Counts.Duplicate++
		return outDuplicate, nil, nil
	}
	if err != nil {
		return outRetry, nil, err
	}
	if limit := e.config().MaxAttempts; limit > 0 && n >= limit {
		return e.expire(ctx, key, occ, fmt.Sprintf("gave up after %d attempts: %v", n, cause), now, pr)
	}
	pr.Counts.RetryPending++
	e.log.Warn("occurrence pending retry", logx.String("key", key.String()), logx.Int("attempts", n), logx.Err(cause))
	rec.Attempts = n
	e.publish(eventbus.TypeRuleRetry, now, rec)
	return outRetry, nil, nil
}

// halt stops the pair until the template revision changes. It returns only
// store failures.
func (e *Engine) halt(ctx context.Context, p pair, pr *PairReport, cause error, occ *time.Time, now time.Time) error {
	ce := p.configError(cause)
	pr.Counts.Halted = 1
	pr.Error = ce.Error()
	k := p.key("")
	if occ != nil {
		k = p.key(cycle.PeriodKey(p.spec, *occ))
		pr.Counts.Failed++
		rec := models.OccurrenceRecord{Key: k, State: models.OccurrenceFailed, RunAt: *occ, Detail: ce.Error(), At: now}
		if _, err := e.store.RecordAttempt(ctx, rec); err != nil && !errors.Is(err, models.ErrDuplicateEmission) {
			return err
		}
	}
	err := e.store.PutHalt(ctx, storage.Halt{
		PairKey:    p.pairKey(),
		TemplateID: p.tpl.ID,
		RuleID:     p.ruleID,
		Revision:   p.tpl.Revision,
		Reason:     ce.Error(),
		At:         now,
	})
	if err != nil {
		return err
	}
	e.log.Error("distribution halted: configuration error",
		logx.String("template", p.tpl.ID), logx.String("rule", p.ruleID),
		logx.Int64("revision", p.tpl.Revision), logx.Err(ce))
	e.publish(eventbus.TypeRuleHalted, now, Halted{
		TemplateID: p.tpl.ID, RuleID: p.ruleID, Revision: p.tpl.Revision, Reason: ce.Error(), At: now,
	})
	e.notify(Notice{Kind: NoticeHalted, Key: k, Message: ce.Error(), At: now})
	return nil
}

// refreshNextRunAt caches the earliest upcoming occurrence across pairs.
// The value is advisory; failures are logged and ignored.
func (e *Engine) refreshNextRunAt(ctx context.Context, tpl models.Template, pairs []pair, now time.Time) {
	var next *time.Time
	for _, p := range pairs {
		t, ok, err := cycle.Next(p.spec, now)
		if err != nil || !ok {
			continue
		}
		if tpl.ActiveUntil != nil && t.After(*tpl.ActiveUntil) {
			continue
		}
		if next == nil || t.Before(*next) {
			t := t
			next = &t
		}
	}
	if sameInstant(next, tpl.NextRunAt) {
		return
	}
	if err := e.store.SetNextRunAt(ctx, tpl.ID, next); err != nil {
		e.log.Debug("next run cache update failed", logx.String("template", tpl.ID), logx.Err(err))
	}
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func appendWarnings(dst, src []models.Warning) []models.Warning {
	for _, w := range src {
		dup := false
		for _, d := range dst {
			if d == w {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, w)
		}
	}
	return dst
}
