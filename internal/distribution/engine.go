// Package distribution turns templates and rules into generated tasks.
//
// Each tick walks every active (template, rule) pair, enumerates the
// occurrences due since the pair's last checkpoint, bounds the backfill, and
// for every unresolved occurrence resolves scope, selects assignees, shapes
// the completion plan and commits the result through the store's emission
// gate. The gate makes overlapping ticks and manual runs safe: of two
// writers for the same (template, rule, period) exactly one emits.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskdist/internal/eventbus"
	"taskdist/internal/models"
	"taskdist/internal/storage"
	"taskdist/internal/task/engine"
	logx "taskdist/pkg/logx"
)

var (
	ErrTemplateInactive = errors.New("template is inactive")
	ErrNoStore          = errors.New("distribution: store is required")
)

// CandidateResolver turns a scope descriptor into candidates.
// *scope.Resolver implements it.
type CandidateResolver interface {
	Resolve(ctx context.Context, s models.Scope) ([]models.Candidate, error)
}

// Executor runs template jobs concurrently, at most one per template.
// *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, j engine.Job) error
	ResetCooldown(key string)
}

type NoticeKind string

const (
	NoticeAssigned       NoticeKind = "assigned"
	NoticeGroupCompleted NoticeKind = "group_completed"
	NoticeExpired        NoticeKind = "expired"
	NoticeHalted         NoticeKind = "halted"
)

// Notice is a fire-and-forget side effect request. Assignee notices are
// requested, never delivered by the engine; operator notices (expired,
// halted) may be delivered by an alert sink.
type Notice struct {
	Kind    NoticeKind
	Key     models.EmissionKey
	UserIDs []string
	TaskIDs []string
	Message string
	At      time.Time
}

// Operator reports whether the notice is meant for an operator.
func (n Notice) Operator() bool { return n.Kind == NoticeExpired || n.Kind == NoticeHalted }

// Notifier accepts notices without blocking.
type Notifier interface {
	Notify(n Notice)
}

// Config bounds the engine.
type Config struct {
	// MaxIterations caps occurrences enumerated per pair per run.
	MaxIterations int
	// MaxLookback caps how far back a pair is scanned.
	MaxLookback time.Duration
	// MaxAttempts expires an occurrence after that many failed attempts.
	// 0 means it is retried until it falls out of the backfill window.
	MaxAttempts int
	// JobTimeout bounds one template job when an executor is used.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10000
	}
	if c.MaxLookback <= 0 {
		c.MaxLookback = 90 * 24 * time.Hour
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

// Options carries optional collaborators. Zero values are valid.
type Options struct {
	Now      func() time.Time
	Location *time.Location
	Executor Executor
	Notifier Notifier
	Bus      eventbus.Bus
	NewID    func() string
}

type Engine struct {
	store    storage.Store
	resolver CandidateResolver
	log      logx.Logger

	now   func() time.Time
	loc   *time.Location
	exec  Executor
	note  Notifier
	bus   eventbus.Bus
	newID func() string

	mu   sync.Mutex
	cfg  Config
	last *Report

	ticks atomic.Uint64
}

func New(cfg Config, store storage.Store, resolver CandidateResolver, log logx.Logger, opts Options) (*Engine, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:    store,
		resolver: resolver,
		log:      log.With(logx.String("comp", "distribution")),
		now:      opts.Now,
		loc:      opts.Location,
		exec:     opts.Executor,
		note:     opts.Notifier,
		bus:      opts.Bus,
		newID:    opts.NewID,
		cfg:      cfg.withDefaults(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Apply swaps the engine bounds on config reload.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Location is the default timezone for templates without their own.
func (e *Engine) Location() *time.Location { return e.loc }

// Tick processes every active template once.
func (e *Engine) Tick(ctx context.Context) (Report, error) {
	rep := Report{Started: e.now()}
	tpls, err := e.store.ListTemplates(ctx)
	if err != nil {
		return rep, fmt.Errorf("list templates: %w", err)
	}
	active := tpls[:0]
	for _, t := range tpls {
		if t.IsActive {
			active = append(active, t)
		}
	}
	rep.merge(e.dispatch(ctx, active))
	rep.Finished = e.now()
	e.ticks.Add(1)
	e.remember(rep)

	lvl := e.log.Debug
	if rep.Counts.Emitted > 0 || rep.Counts.Expired > 0 || len(rep.Errors) > 0 {
		lvl = e.log.Info
	}
	lvl("tick finished",
		logx.Int("templates", rep.Templates),
		logx.Int("emitted", rep.Counts.Emitted),
		logx.Int("tasks", rep.Counts.Tasks),
		logx.Int("expired", rep.Counts.Expired),
		logx.Int("skipped_empty", rep.Counts.SkippedEmpty),
		logx.Int("retry_pending", rep.Counts.RetryPending),
		logx.Int("halted", rep.Counts.Halted),
		logx.Int("errors", len(rep.Errors)),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
	)
	return rep, ctx.Err()
}

// RunTemplate processes one template inline, bypassing the executor.
func (e *Engine) RunTemplate(ctx context.Context, templateID string) (Report, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return Report{}, err
	}
	if !tpl.IsActive {
		return Report{}, fmt.Errorf("%s: %w", templateID, ErrTemplateInactive)
	}
	rep := Report{Started: e.now()}
	r, err := e.runTemplate(ctx, tpl)
	rep.merge(r)
	rep.Finished = e.now()
	return rep, err
}

// RunDistributionNow is the manual trigger. It goes through the same
// executor and emission gate as scheduled ticks.
func (e *Engine) RunDistributionNow(ctx context.Context, templateID string) (Report, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return Report{}, err
	}
	if !tpl.IsActive {
		return Report{}, fmt.Errorf("%s: %w", templateID, ErrTemplateInactive)
	}
	if e.exec != nil {
		e.exec.ResetCooldown(tpl.ID)
	}
	rep := Report{Started: e.now()}
	rep.merge(e.dispatch(ctx, []models.Template{tpl}))
	rep.Finished = e.now()
	e.log.Info("manual distribution finished", logx.String("template", templateID),
		logx.Int("emitted", rep.Counts.Emitted), logx.Int("skipped", rep.Skipped))
	if len(rep.Errors) > 0 {
		return rep, errors.New(rep.Errors[0])
	}
	return rep, nil
}

// dispatch runs template jobs inline or on the executor and waits for all.
// A disabled executor degrades to inline runs.
func (e *Engine) dispatch(ctx context.Context, tpls []models.Template) Report {
	var total Report
	if e.exec == nil {
		for _, t := range tpls {
			r, err := e.runTemplate(ctx, t)
			total.merge(r)
			if err != nil {
				total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", t.ID, err))
			}
		}
		return total
	}

	type result struct {
		id  string
		rep Report
		err error
	}
	results := make(chan result, len(tpls))
	pending := 0
	cfg := e.config()
	for _, t := range tpls {
		t := t
		var rep Report
		err := e.exec.Submit(ctx, engine.Job{
			Key:     t.ID,
			Name:    "distribute " + t.ID,
			Timeout: cfg.JobTimeout,
			Run: func(ctx context.Context) error {
				var err error
				rep, err = e.runTemplate(ctx, t)
				if models.IsConfigError(err) {
					return engine.NoRetry(err)
				}
				return err
			},
			Done: func(err error) { results <- result{id: t.ID, rep: rep, err: err} },
		})
		switch {
		case errors.Is(err, engine.ErrDisabled), errors.Is(err, engine.ErrStopped):
			r, err := e.runTemplate(ctx, t)
			total.merge(r)
			if err != nil {
				total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", t.ID, err))
			}
		case errors.Is(err, engine.ErrBusy):
			e.log.Debug("template job already running; skipped", logx.String("template", t.ID))
			total.Skipped++
		case errors.Is(err, engine.ErrCoolingDown):
			e.log.Warn("template job cooling down after repeated failures; skipped", logx.String("template", t.ID))
			total.Skipped++
		case err != nil:
			total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", t.ID, err))
		default:
			pending++
		}
	}
	for ; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			total.Errors = append(total.Errors, ctx.Err().Error())
			return total
		case r := <-results:
			total.merge(r.rep)
			if r.err != nil {
				total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", r.id, r.err))
			}
		}
	}
	return total
}

func (e *Engine) remember(rep Report) {
	e.mu.Lock()
	e.last = &rep
	e.mu.Unlock()
}

// Snapshot returns the last tick report and the halted pairs.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Ticks: e.ticks.Load()}
	e.mu.Lock()
	if e.last != nil {
		r := *e.last
		snap.LastReport = &r
	}
	e.mu.Unlock()
	halts, err := e.store.ListHalts(ctx)
	if err != nil {
		return snap, err
	}
	for _, h := range halts {
		snap.Halted = append(snap.Halted, Halted{
			TemplateID: h.TemplateID, RuleID: h.RuleID, Revision: h.Revision, Reason: h.Reason, At: h.At,
		})
	}
	return snap, nil
}

// Complete records a task completion and applies the group transition.
func (e *Engine) Complete(ctx context.Context, taskID, userID string) (models.GeneratedTask, error) {
	at := e.now()
	tr, err := e.store.CompleteTask(ctx, taskID, userID, at)
	if err != nil {
		return models.GeneratedTask{}, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return models.GeneratedTask{}, err
	}
	if !tr.Changed {
		e.log.Debug("completion changed nothing", logx.String("task", taskID), logx.String("user", userID))
		return task, nil
	}
	for _, t := range tr.Tasks {
		e.publish(eventbus.TypeTaskCompleted, at, t)
	}
	if tr.GroupCompleted && tr.Group != nil {
		e.log.Info("task group completed", logx.String("group", tr.Group.ID), logx.String("key", tr.Group.Key.String()),
			logx.Int("required", tr.Group.RequiredCount), logx.Int("completed", tr.Group.CompletedCount))
		e.publish(eventbus.TypeGroupCompleted, at, *tr.Group)
		e.notify(Notice{Kind: NoticeGroupCompleted, Key: tr.Group.Key, UserIDs: tr.Group.MemberAssigneeIDs, At: at})
	}
	return task, nil
}

func (e *Engine) publish(typ string, at time.Time, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func (e *Engine) notify(n Notice) {
	if e.note == nil {
		return
	}
	e.note.Notify(n)
}
