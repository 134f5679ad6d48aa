package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"taskdist/internal/models"
)

// TemplateRecord is the serialized form of models.Template. Scopes are kept
// as ScopeSpec so the sealed union survives a round trip.
type TemplateRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Revision int64  `json:"revision"`

	TaskType string `json:"taskType,omitempty"`
	Priority int    `json:"priority,omitempty"`

	CycleType     models.CycleType `json:"cycleType"`
	RunAtMinute   int              `json:"runAtMinute"`
	DueAtMinute   int              `json:"dueAtMinute"`
	RunDayOfWeek  int              `json:"runDayOfWeek,omitempty"`
	RunDayOfMonth int              `json:"runDayOfMonth,omitempty"`
	Timezone      string           `json:"timezone,omitempty"`

	ActiveFrom  time.Time  `json:"activeFrom"`
	ActiveUntil *time.Time `json:"activeUntil,omitempty"`

	AllowLate          bool `json:"allowLate"`
	MaxBackfillPeriods int  `json:"maxBackfillPeriods"`
	IsActive           bool `json:"isActive"`

	AssigneeMode AssignmentRecord `json:"assigneeMode"`
	Rules        []RuleRecord     `json:"rules,omitempty"`

	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type AssignmentRecord struct {
	Scope      *models.ScopeSpec       `json:"scope,omitempty"`
	Strategy   models.Strategy         `json:"strategy,omitempty"`
	Completion models.CompletionPolicy `json:"completion,omitempty"`
	Due        models.DuePolicy        `json:"due,omitempty"`
	Grouping   bool                    `json:"grouping,omitempty"`
}

type RuleRecord struct {
	ID               string           `json:"id"`
	FrequencyType    models.CycleType `json:"frequencyType,omitempty"`
	Weekdays         []int            `json:"weekdays,omitempty"`
	MonthDays        []int            `json:"monthDays,omitempty"`
	DispatchAtMinute *int             `json:"dispatchAtMinute,omitempty"`
	AssignmentRecord
	IsActive bool `json:"isActive"`
}

func encodeAssignment(a models.Assignment) (AssignmentRecord, error) {
	rec := AssignmentRecord{
		Strategy:   a.Strategy,
		Completion: a.Completion,
		Due:        a.Due,
		Grouping:   a.Grouping,
	}
	if a.Scope != nil {
		spec, err := models.EncodeScope(a.Scope)
		if err != nil {
			return AssignmentRecord{}, err
		}
		rec.Scope = &spec
	}
	return rec, nil
}

func decodeAssignment(rec AssignmentRecord) (models.Assignment, error) {
	a := models.Assignment{
		Strategy:   rec.Strategy,
		Completion: rec.Completion,
		Due:        rec.Due,
		Grouping:   rec.Grouping,
	}
	if rec.Scope != nil {
		s, err := models.DecodeScope(*rec.Scope)
		if err != nil {
			return models.Assignment{}, err
		}
		a.Scope = s
	}
	return a, nil
}

// EncodeTemplate converts a template into its serialized record.
func EncodeTemplate(t models.Template) (TemplateRecord, error) {
	mode, err := encodeAssignment(t.AssigneeMode)
	if err != nil {
		return TemplateRecord{}, fmt.Errorf("template %s: %w", t.ID, err)
	}
	rec := TemplateRecord{
		ID: t.ID, Name: t.Name, Revision: t.Revision,
		TaskType: t.TaskType, Priority: t.Priority,
		CycleType: t.CycleType, RunAtMinute: t.RunAtMinute, DueAtMinute: t.DueAtMinute,
		RunDayOfWeek: t.RunDayOfWeek, RunDayOfMonth: t.RunDayOfMonth, Timezone: t.Timezone,
		ActiveFrom: t.ActiveFrom, ActiveUntil: t.ActiveUntil,
		AllowLate: t.AllowLate, MaxBackfillPeriods: t.MaxBackfillPeriods, IsActive: t.IsActive,
		AssigneeMode: mode,
		NextRunAt:    t.NextRunAt, UpdatedAt: t.UpdatedAt,
	}
	for _, r := range t.Rules {
		a, err := encodeAssignment(r.Assignment)
		if err != nil {
			return TemplateRecord{}, fmt.Errorf("template %s rule %s: %w", t.ID, r.ID, err)
		}
		rec.Rules = append(rec.Rules, RuleRecord{
			ID: r.ID, FrequencyType: r.FrequencyType,
			Weekdays: r.Weekdays, MonthDays: r.MonthDays, DispatchAtMinute: r.DispatchAtMinute,
			AssignmentRecord: a, IsActive: r.IsActive,
		})
	}
	return rec, nil
}

// DecodeTemplate converts a record back into a template. Scope descriptors
// are validated.
func DecodeTemplate(rec TemplateRecord) (models.Template, error) {
	mode, err := decodeAssignment(rec.AssigneeMode)
	if err != nil {
		return models.Template{}, fmt.Errorf("template %s: %w", rec.ID, err)
	}
	t := models.Template{
		ID: rec.ID, Name: rec.Name, Revision: rec.Revision,
		TaskType: rec.TaskType, Priority: rec.Priority,
		CycleType: rec.CycleType, RunAtMinute: rec.RunAtMinute, DueAtMinute: rec.DueAtMinute,
		RunDayOfWeek: rec.RunDayOfWeek, RunDayOfMonth: rec.RunDayOfMonth, Timezone: rec.Timezone,
		ActiveFrom: rec.ActiveFrom, ActiveUntil: rec.ActiveUntil,
		AllowLate: rec.AllowLate, MaxBackfillPeriods: rec.MaxBackfillPeriods, IsActive: rec.IsActive,
		AssigneeMode: mode,
		NextRunAt:    rec.NextRunAt, UpdatedAt: rec.UpdatedAt,
	}
	for _, rr := range rec.Rules {
		a, err := decodeAssignment(rr.AssignmentRecord)
		if err != nil {
			return models.Template{}, fmt.Errorf("template %s rule %s: %w", rec.ID, rr.ID, err)
		}
		t.Rules = append(t.Rules, models.Rule{
			ID: rr.ID, TemplateID: rec.ID, FrequencyType: rr.FrequencyType,
			Weekdays: rr.Weekdays, MonthDays: rr.MonthDays, DispatchAtMinute: rr.DispatchAtMinute,
			Assignment: a, IsActive: rr.IsActive,
		})
	}
	return t, nil
}

func marshalTemplate(t models.Template) ([]byte, error) {
	rec, err := EncodeTemplate(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func unmarshalTemplate(b []byte) (models.Template, error) {
	var rec TemplateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return models.Template{}, err
	}
	return DecodeTemplate(rec)
}

// cloneTemplate deep-copies through the codec so stored templates cannot be
// mutated by callers.
func cloneTemplate(t models.Template) (models.Template, error) {
	b, err := marshalTemplate(t)
	if err != nil {
		return models.Template{}, err
	}
	return unmarshalTemplate(b)
}

func cloneGroup(g models.TaskGroup) models.TaskGroup {
	g.MemberAssigneeIDs = append([]string(nil), g.MemberAssigneeIDs...)
	g.CompletedMemberIDs = append([]string(nil), g.CompletedMemberIDs...)
	return g
}
