// Package models holds the configuration and work-unit types shared by the
// distribution engine, its store and its read-side projections.
package models

import (
	"fmt"
	"strings"
	"time"
)

// CycleType is the recurrence vocabulary shared by templates and rules.
type CycleType string

const (
	CycleOneTime CycleType = "ONE_TIME"
	CycleDaily   CycleType = "DAILY"
	CycleWeekly  CycleType = "WEEKLY"
	CycleMonthly CycleType = "MONTHLY"
)

func (c CycleType) Valid() bool {
	switch c {
	case CycleOneTime, CycleDaily, CycleWeekly, CycleMonthly:
		return true
	}
	return false
}

// Strategy selects the final assignee set among resolved candidates.
type Strategy string

const (
	StrategyPointOwner Strategy = "POINT_OWNER"
	StrategyRotation   Strategy = "ROTATION"
	StrategyBalanced   Strategy = "BALANCED"
	StrategyUserPool   Strategy = "USER_POOL"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyPointOwner, StrategyRotation, StrategyBalanced, StrategyUserPool:
		return true
	}
	return false
}

// CompletionPolicy decides when a multi-assignee unit of work is done.
type CompletionPolicy string

const (
	CompletionEach   CompletionPolicy = "EACH"
	CompletionAnyOne CompletionPolicy = "ANY_ONE"
	CompletionQuorum CompletionPolicy = "QUORUM"
	CompletionAll    CompletionPolicy = "ALL"
)

func (p CompletionPolicy) Valid() bool {
	switch p {
	case CompletionEach, CompletionAnyOne, CompletionQuorum, CompletionAll:
		return true
	}
	return false
}

// TaskStatus is owned by the external task lifecycle; the engine only
// writes PENDING at creation and COMPLETED for group proxies.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusSubmitted TaskStatus = "SUBMITTED"
	StatusReturned  TaskStatus = "RETURNED"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusOverdue   TaskStatus = "OVERDUE"
)

// DuePolicy carries the QUORUM threshold: an absolute count or a ratio in (0,1].
type DuePolicy struct {
	Quorum int     `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	Ratio  float64 `json:"ratio,omitempty" yaml:"ratio,omitempty"`
}

// Assignment groups the "who and how" settings. Templates carry one as their
// default assignee mode; every rule carries its own.
type Assignment struct {
	Scope      Scope
	Strategy   Strategy
	Completion CompletionPolicy
	Due        DuePolicy
	Grouping   bool
}

// Template is a standing task configuration.
type Template struct {
	ID       string
	Name     string
	Revision int64

	TaskType string
	Priority int

	CycleType    CycleType
	RunAtMinute  int
	DueAtMinute  int
	RunDayOfWeek int // 1=Monday .. 7=Sunday
	// RunDayOfMonth 0 means the last day of the month.
	RunDayOfMonth int
	// Timezone optionally overrides the engine timezone (IANA name).
	Timezone string

	ActiveFrom  time.Time
	ActiveUntil *time.Time

	AllowLate          bool
	MaxBackfillPeriods int
	IsActive           bool

	AssigneeMode Assignment
	Rules        []Rule

	// NextRunAt is advisory only; the engine never trusts it for scheduling.
	NextRunAt *time.Time
	UpdatedAt time.Time
}

// Rule refines scope, frequency and assignment for one template.
type Rule struct {
	ID         string
	TemplateID string

	// FrequencyType empty means the template cycle is inherited.
	FrequencyType CycleType
	Weekdays      []int
	MonthDays     []int
	// DispatchAtMinute nil means the template RunAtMinute is used.
	DispatchAtMinute *int

	Assignment
	IsActive bool
}

// ActiveAt reports whether t falls inside the template validity window.
func (t Template) ActiveAt(at time.Time) bool {
	if at.Before(t.ActiveFrom) {
		return false
	}
	if t.ActiveUntil != nil && at.After(*t.ActiveUntil) {
		return false
	}
	return true
}

// Location returns the template timezone or def when unset or invalid.
func (t Template) Location(def *time.Location) *time.Location {
	if def == nil {
		def = time.Local
	}
	tz := strings.TrimSpace(t.Timezone)
	if tz == "" {
		return def
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return def
	}
	return loc
}

// Candidate is a resolved, concrete assignment target.
type Candidate struct {
	UserID            string `json:"user_id"`
	CollectionPointID string `json:"collection_point_id,omitempty"`
	Commodity         string `json:"commodity,omitempty"`
}

// SortKey orders candidates deterministically.
func (c Candidate) SortKey() string {
	return c.UserID + "\x00" + c.CollectionPointID
}

// GeneratedTask is one concrete unit of work.
type GeneratedTask struct {
	ID         string
	TemplateID string
	RuleID     string
	PeriodKey  string

	AssigneeID        string
	GroupID           string
	CollectionPointID string
	Commodity         string

	TaskType string
	Priority int

	RunAt  time.Time
	DueAt  time.Time
	Status TaskStatus
	IsLate bool

	CompletedByProxy bool
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// Key returns the emission key the task was created under.
func (t GeneratedTask) Key() EmissionKey {
	return EmissionKey{TemplateID: t.TemplateID, RuleID: t.RuleID, PeriodKey: t.PeriodKey}
}

type GroupStatus string

const (
	GroupOpen      GroupStatus = "OPEN"
	GroupCompleted GroupStatus = "COMPLETED"
)

// TaskGroup is the shared record for multi-assignee completion policies.
type TaskGroup struct {
	ID                string
	Key               EmissionKey
	Policy            CompletionPolicy
	RequiredCount     int
	CompletedCount    int
	MemberAssigneeIDs []string
	// CompletedMemberIDs records who completed, in order, so a repeated
	// completion by the same member is recognised.
	CompletedMemberIDs []string
	// Shared is true when the members share one task record.
	Shared      bool
	Status      GroupStatus
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// EmissionKey identifies one occurrence of a (template, rule) pair.
// RuleID is empty when the template has no rules.
type EmissionKey struct {
	TemplateID string
	RuleID     string
	PeriodKey  string
}

func (k EmissionKey) String() string {
	rule := k.RuleID
	if rule == "" {
		rule = "-"
	}
	return fmt.Sprintf("%s/%s/%s", k.TemplateID, rule, k.PeriodKey)
}

// PairKey identifies the (template, rule) pair without the period.
func (k EmissionKey) PairKey() string {
	rule := k.RuleID
	if rule == "" {
		rule = "-"
	}
	return k.TemplateID + "/" + rule
}
