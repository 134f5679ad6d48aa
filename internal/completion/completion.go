// Package completion shapes an assignee set into tasks or a task group and
// evaluates group completion.
package completion

import (
	"errors"
	"math"
	"time"

	"taskdist/internal/models"
)

var (
	ErrTaskNotFound = errors.New("task not found in emission")
	ErrNotMember    = errors.New("user is not a member of the group")
)

// Plan is the emission shape for one occurrence.
type Plan struct {
	Policy    models.CompletionPolicy
	Assignees []models.Candidate
	// Grouped is true when a TaskGroup tracks completion.
	Grouped bool
	// Shared is true when group members share one task record.
	Shared        bool
	RequiredCount int
	Warnings      []models.Warning
}

// Shape decides between independent tasks and one group. EACH never groups.
func Shape(policy models.CompletionPolicy, assignees []models.Candidate, due models.DuePolicy, grouping bool) (Plan, error) {
	n := len(assignees)
	if n == 0 {
		return Plan{}, models.ErrEmptyScope
	}
	p := Plan{Policy: policy, Assignees: assignees}

	switch policy {
	case models.CompletionEach:
		if grouping {
			p.Warnings = append(p.Warnings, models.Warning{Code: models.WarnGroupingIgnored, Message: "EACH completes per assignee; grouping ignored"})
		}
		return p, nil
	case models.CompletionAnyOne:
		p.RequiredCount = 1
	case models.CompletionAll:
		p.RequiredCount = n
	case models.CompletionQuorum:
		req, warn, err := quorum(due, n)
		if err != nil {
			return Plan{}, err
		}
		p.RequiredCount = req
		if warn != nil {
			p.Warnings = append(p.Warnings, *warn)
		}
	default:
		return Plan{}, models.NewConfigError("unknown completion policy %q", policy)
	}
	p.Grouped = true
	p.Shared = grouping
	return p, nil
}

// RequiredCount is the group threshold for policy over n members, without
// building a plan. It is used by previews.
func RequiredCount(policy models.CompletionPolicy, due models.DuePolicy, n int) (int, error) {
	switch policy {
	case models.CompletionEach:
		return 0, nil
	case models.CompletionAnyOne:
		return 1, nil
	case models.CompletionAll:
		return n, nil
	case models.CompletionQuorum:
		req, _, err := quorum(due, n)
		return req, err
	}
	return 0, models.NewConfigError("unknown completion policy %q", policy)
}

func quorum(due models.DuePolicy, n int) (int, *models.Warning, error) {
	var req int
	switch {
	case due.Quorum > 0:
		req = due.Quorum
	case due.Ratio != 0:
		if due.Ratio < 0 || due.Ratio > 1 || math.IsNaN(due.Ratio) {
			return 0, nil, models.NewConfigError("quorum ratio %v outside (0, 1]", due.Ratio)
		}
		// Small epsilon so 0.6*5 is 3, not 4 after float rounding.
		req = int(math.Ceil(due.Ratio*float64(n) - 1e-9))
	default:
		return 0, nil, models.NewConfigError("QUORUM needs duePolicy.quorum or duePolicy.ratio")
	}

	var warn *models.Warning
	if req > n {
		warn = &models.Warning{
			Code:    models.WarnQuorumClamped,
			Message: "quorum exceeds pool size; clamped to pool size",
		}
		req = n
	}
	if req < 1 {
		req = 1
	}
	return req, warn, nil
}

// Validate checks policy fields that do not depend on the resolved pool.
func Validate(policy models.CompletionPolicy, due models.DuePolicy) error {
	if !policy.Valid() {
		return models.NewConfigError("unknown completion policy %q", policy)
	}
	if policy != models.CompletionQuorum {
		return nil
	}
	_, _, err := quorum(due, math.MaxInt32)
	return err
}

// Transition is the result of applying one completion.
type Transition struct {
	Group *models.TaskGroup
	// Tasks holds every task whose state changed.
	Tasks []models.GeneratedTask
	// GroupCompleted is true only on the completion that flipped the group.
	GroupCompleted bool
	Changed        bool
}

// Apply records that taskID was completed by userID at at. members are all
// tasks of the emission; group is nil for EACH. The inputs are not mutated.
//
// A completion after the group is COMPLETED is accepted and changes nothing.
func Apply(group *models.TaskGroup, members []models.GeneratedTask, taskID, userID string, at time.Time) (Transition, error) {
	idx := -1
	for i := range members {
		if members[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Transition{}, ErrTaskNotFound
	}
	task := members[idx]

	if group == nil {
		if task.Status == models.StatusCompleted {
			return Transition{}, nil
		}
		task.Status = models.StatusCompleted
		task.CompletedAt = timePtr(at)
		return Transition{Tasks: []models.GeneratedTask{task}, Changed: true}, nil
	}

	g := cloneGroup(*group)
	member := task.AssigneeID
	if member == "" {
		member = userID
	}
	if !contains(g.MemberAssigneeIDs, member) {
		return Transition{}, ErrNotMember
	}
	if g.Status == models.GroupCompleted || contains(g.CompletedMemberIDs, member) {
		return Transition{Group: &g}, nil
	}

	tr := Transition{Group: &g, Changed: true}
	g.CompletedMemberIDs = append(g.CompletedMemberIDs, member)
	g.CompletedCount = len(g.CompletedMemberIDs)
	if !g.Shared {
		task.Status = models.StatusCompleted
		task.CompletedAt = timePtr(at)
		tr.Tasks = append(tr.Tasks, task)
	}

	if g.CompletedCount < g.RequiredCount {
		return tr, nil
	}
	g.Status = models.GroupCompleted
	g.CompletedAt = timePtr(at)
	tr.GroupCompleted = true
	for i, m := range members {
		if i == idx && !g.Shared {
			continue
		}
		if m.Status == models.StatusCompleted {
			continue
		}
		m.Status = models.StatusCompleted
		m.CompletedAt = timePtr(at)
		// Members who did not act are completed on the group's behalf.
		m.CompletedByProxy = !g.Shared
		tr.Tasks = append(tr.Tasks, m)
	}
	return tr, nil
}

func cloneGroup(g models.TaskGroup) models.TaskGroup {
	g.MemberAssigneeIDs = append([]string(nil), g.MemberAssigneeIDs...)
	g.CompletedMemberIDs = append([]string(nil), g.CompletedMemberIDs...)
	return g
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time { return &t }
