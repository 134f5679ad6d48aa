package storage

import (
	"context"
	"errors"
	"time"

	"taskdist/internal/completion"
	"taskdist/internal/models"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite". Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskFilter selects generated tasks. Zero fields do not filter. The time
// range applies to DueAt and is half-open [From, To).
type TaskFilter struct {
	From       time.Time
	To         time.Time
	TemplateID string
	TaskType   string
	AssigneeID string
	Status     models.TaskStatus
	Limit      int
}

// Halt records a (template, rule) pair stopped by a configuration error. It
// applies only while the template is still at Revision.
type Halt struct {
	PairKey    string
	TemplateID string
	RuleID     string
	Revision   int64
	Reason     string
	At         time.Time
}

// Store is the persistence API used by the distribution engine, the calendar
// projection and the CLI.
type Store interface {
	// Templates. PutTemplate bumps Revision when the template already exists.
	PutTemplate(ctx context.Context, t models.Template) (models.Template, error)
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	SetNextRunAt(ctx context.Context, templateID string, at *time.Time) error

	// Emit commits tasks, group, cursor and the EMITTED gate record in one
	// transaction. Returns models.ErrDuplicateEmission when the key is already
	// resolved and models.ErrCursorConflict when the cursor version moved.
	Emit(ctx context.Context, e models.Emission) error
	// Resolve records a terminal non-emission outcome (EXPIRED, SKIPPED_EMPTY)
	// through the same gate.
	Resolve(ctx context.Context, rec models.OccurrenceRecord) error
	// Outcome returns the gate record for key.
	Outcome(ctx context.Context, key models.EmissionKey) (models.OccurrenceRecord, bool, error)

	// RecordAttempt upserts a non-terminal state (RETRY_PENDING, FAILED) and
	// returns the attempt count including this one.
	RecordAttempt(ctx context.Context, rec models.OccurrenceRecord) (int, error)
	// ListOccurrences merges gate outcomes and attempts for a template.
	// COMPLETED is derived from the tasks of an EMITTED key.
	ListOccurrences(ctx context.Context, templateID string) ([]models.OccurrenceRecord, error)

	Cursor(ctx context.Context, pairKey string) (models.CursorState, error)
	Checkpoint(ctx context.Context, pairKey string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, pairKey string, at time.Time) error

	PutHalt(ctx context.Context, h Halt) error
	GetHalt(ctx context.Context, pairKey string) (Halt, bool, error)
	ClearHalt(ctx context.Context, pairKey string) error
	ListHalts(ctx context.Context) ([]Halt, error)

	// PendingCounts returns the number of PENDING tasks per user.
	PendingCounts(ctx context.Context, userIDs []string) (map[string]int, error)
	GetTask(ctx context.Context, id string) (models.GeneratedTask, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]models.GeneratedTask, error)
	GetGroup(ctx context.Context, id string) (models.TaskGroup, error)
	// CompleteTask applies one completion and persists the transition.
	CompleteTask(ctx context.Context, taskID, userID string, at time.Time) (completion.Transition, error)

	Close() error
}

func (f TaskFilter) match(t models.GeneratedTask) bool {
	if !f.From.IsZero() && t.DueAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.DueAt.Before(f.To) {
		return false
	}
	if f.TemplateID != "" && t.TemplateID != f.TemplateID {
		return false
	}
	if f.TaskType != "" && t.TaskType != f.TaskType {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

func validateEmission(e models.Emission) error {
	if e.Key.TemplateID == "" || e.Key.PeriodKey == "" {
		return errors.New("emission key requires template and period")
	}
	if len(e.Tasks) == 0 {
		return errors.New("emission has no tasks")
	}
	return nil
}

func validateResolution(rec models.OccurrenceRecord) error {
	switch rec.State {
	case models.OccurrenceExpired, models.OccurrenceSkippedEmpty:
		return nil
	}
	return errors.New("only EXPIRED and SKIPPED_EMPTY may be resolved without tasks")
}

// deriveCompleted turns EMITTED into COMPLETED when every task of the key is
// completed.
func deriveCompleted(rec models.OccurrenceRecord, tasks []models.GeneratedTask) models.OccurrenceRecord {
	if rec.State != models.OccurrenceEmitted || len(tasks) == 0 {
		return rec
	}
	for _, t := range tasks {
		if t.Status != models.StatusCompleted {
			return rec
		}
	}
	rec.State = models.OccurrenceCompleted
	return rec
}
