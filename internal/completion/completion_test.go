package completion

import (
	"errors"
	"testing"
	"time"

	"taskdist/internal/models"
)

func pool(n int) []models.Candidate {
	out := make([]models.Candidate, n)
	for i := range out {
		out[i] = models.Candidate{UserID: string(rune('a' + i))}
	}
	return out
}

func TestShapeRequiredCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		policy   models.CompletionPolicy
		n        int
		due      models.DuePolicy
		want     int
		grouped  bool
		warnCode string
	}{
		{name: "each", policy: models.CompletionEach, n: 3, want: 0},
		{name: "any one", policy: models.CompletionAnyOne, n: 3, want: 1, grouped: true},
		{name: "all", policy: models.CompletionAll, n: 4, want: 4, grouped: true},
		{name: "ratio 0.6 of 5", policy: models.CompletionQuorum, n: 5, due: models.DuePolicy{Ratio: 0.6}, want: 3, grouped: true},
		{name: "ratio rounds up", policy: models.CompletionQuorum, n: 5, due: models.DuePolicy{Ratio: 0.5}, want: 3, grouped: true},
		{name: "tiny ratio clamps to one", policy: models.CompletionQuorum, n: 5, due: models.DuePolicy{Ratio: 0.01}, want: 1, grouped: true},
		{name: "quorum 10 of 5 clamps", policy: models.CompletionQuorum, n: 5, due: models.DuePolicy{Quorum: 10}, want: 5, grouped: true, warnCode: models.WarnQuorumClamped},
		{name: "quorum wins over ratio", policy: models.CompletionQuorum, n: 5, due: models.DuePolicy{Quorum: 2, Ratio: 1}, want: 2, grouped: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := Shape(tt.policy, pool(tt.n), tt.due, false)
			if err != nil {
				t.Fatalf("Shape error: %v", err)
			}
			if p.RequiredCount != tt.want || p.Grouped != tt.grouped {
				t.Fatalf("plan = {required %d, grouped %v}, want {%d, %v}", p.RequiredCount, p.Grouped, tt.want, tt.grouped)
			}
			if tt.warnCode == "" && len(p.Warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", p.Warnings)
			}
			if tt.warnCode != "" && (len(p.Warnings) != 1 || p.Warnings[0].Code != tt.warnCode) {
				t.Fatalf("warnings = %v, want %s", p.Warnings, tt.warnCode)
			}
		})
	}
}

func TestShapeRejectsBadQuorum(t *testing.T) {
	t.Parallel()
	for _, due := range []models.DuePolicy{{}, {Ratio: 1.5}, {Ratio: -0.2}} {
		if _, err := Shape(models.CompletionQuorum, pool(3), due, false); !models.IsConfigError(err) {
			t.Fatalf("Shape(%+v) = %v, want configuration error", due, err)
		}
		if err := Validate(models.CompletionQuorum, due); !models.IsConfigError(err) {
			t.Fatalf("Validate(%+v) = %v, want configuration error", due, err)
		}
	}
	if _, err := Shape("MOST", pool(2), models.DuePolicy{}, false); !models.IsConfigError(err) {
		t.Fatalf("unknown policy = %v, want configuration error", err)
	}
	if _, err := Shape(models.CompletionAll, nil, models.DuePolicy{}, false); !errors.Is(err, models.ErrEmptyScope) {
		t.Fatalf("empty pool = %v, want ErrEmptyScope", err)
	}
}

func TestShapeEachIgnoresGrouping(t *testing.T) {
	t.Parallel()
	p, err := Shape(models.CompletionEach, pool(2), models.DuePolicy{}, true)
	if err != nil {
		t.Fatalf("Shape error: %v", err)
	}
	if p.Grouped || p.Shared || len(p.Warnings) != 1 || p.Warnings[0].Code != models.WarnGroupingIgnored {
		t.Fatalf("unexpected plan: %+v", p)
	}
	p, _ = Shape(models.CompletionAll, pool(2), models.DuePolicy{}, true)
	if !p.Shared {
		t.Fatal("ALL with grouping should share one record")
	}
}

func memberTasks(groupID string, ids ...string) []models.GeneratedTask {
	out := make([]models.GeneratedTask, len(ids))
	for i, id := range ids {
		out[i] = models.GeneratedTask{ID: "t-" + id, AssigneeID: id, GroupID: groupID, Status: models.StatusPending}
	}
	return out
}

func TestAnyOneCompletesByProxy(t *testing.T) {
	t.Parallel()
	g := &models.TaskGroup{ID: "g1", Policy: models.CompletionAnyOne, RequiredCount: 1, MemberAssigneeIDs: []string{"a", "b", "c"}, Status: models.GroupOpen}
	tasks := memberTasks("g1", "a", "b", "c")
	at := time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)

	tr, err := Apply(g, tasks, "t-b", "b", at)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if !tr.GroupCompleted || tr.Group.Status != models.GroupCompleted || tr.Group.CompletedCount != 1 {
		t.Fatalf("group not completed: %+v", tr.Group)
	}
	if len(tr.Tasks) != 3 {
		t.Fatalf("changed tasks = %d, want 3", len(tr.Tasks))
	}
	proxies := 0
	for _, task := range tr.Tasks {
		if task.Status != models.StatusCompleted {
			t.Fatalf("task %s status = %s", task.ID, task.Status)
		}
		if task.CompletedByProxy {
			proxies++
			if task.ID == "t-b" {
				t.Fatal("the acting member must not be a proxy completion")
			}
		}
	}
	if proxies != 2 {
		t.Fatalf("proxies = %d, want 2", proxies)
	}
	if g.Status != models.GroupOpen {
		t.Fatal("input group must not be mutated")
	}

	// A later completion is accepted without further transitions.
	again, err := Apply(tr.Group, tasks, "t-c", "c", at.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Apply error: %v", err)
	}
	if again.Changed || again.GroupCompleted {
		t.Fatalf("second completion changed state: %+v", again)
	}
}

func TestQuorumProgressIsIdempotent(t *testing.T) {
	t.Parallel()
	g := &models.TaskGroup{ID: "g", Policy: models.CompletionQuorum, RequiredCount: 2, MemberAssigneeIDs: []string{"a", "b", "c"}, Status: models.GroupOpen}
	tasks := memberTasks("g", "a", "b", "c")
	at := time.Now()

	tr, _ := Apply(g, tasks, "t-a", "a", at)
	if tr.GroupCompleted || tr.Group.CompletedCount != 1 {
		t.Fatalf("first completion: %+v", tr.Group)
	}
	tasks[0] = tr.Tasks[0]
	dup, _ := Apply(tr.Group, tasks, "t-a", "a", at)
	if dup.Changed || dup.Group.CompletedCount != 1 {
		t.Fatalf("repeat completion should not count twice: %+v", dup.Group)
	}
	final, _ := Apply(tr.Group, tasks, "t-c", "c", at)
	if !final.GroupCompleted || final.Group.CompletedCount != 2 {
		t.Fatalf("quorum not reached: %+v", final.Group)
	}
	for _, task := range final.Tasks {
		if task.ID == "t-a" {
			t.Fatal("already completed task must not be rewritten")
		}
	}
}

func TestSharedRecordCompletion(t *testing.T) {
	t.Parallel()
	g := &models.TaskGroup{ID: "g", Policy: models.CompletionAll, RequiredCount: 2, MemberAssigneeIDs: []string{"a", "b"}, Shared: true, Status: models.GroupOpen}
	shared := []models.GeneratedTask{{ID: "t-g", GroupID: "g", Status: models.StatusPending}}

	if _, err := Apply(g, shared, "t-g", "z", time.Now()); !errors.Is(err, ErrNotMember) {
		t.Fatalf("non-member = %v, want ErrNotMember", err)
	}
	tr, _ := Apply(g, shared, "t-g", "a", time.Now())
	if len(tr.Tasks) != 0 || tr.GroupCompleted {
		t.Fatalf("shared record should stay open after one of two: %+v", tr)
	}
	tr, _ = Apply(tr.Group, shared, "t-g", "b", time.Now())
	if !tr.GroupCompleted || len(tr.Tasks) != 1 || tr.Tasks[0].CompletedByProxy {
		t.Fatalf("shared record completion: %+v", tr)
	}
}

func TestEachCompletion(t *testing.T) {
	t.Parallel()
	tasks := []models.GeneratedTask{{ID: "t1", AssigneeID: "a", Status: models.StatusPending}}
	tr, err := Apply(nil, tasks, "t1", "a", time.Now())
	if err != nil || !tr.Changed || tr.Tasks[0].Status != models.StatusCompleted {
		t.Fatalf("EACH completion: %+v, %v", tr, err)
	}
	if _, err := Apply(nil, tasks, "missing", "a", time.Now()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing task = %v", err)
	}
}
