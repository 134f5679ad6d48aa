package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"taskdist/internal/models"
	"taskdist/internal/scope"
	logx "taskdist/pkg/logx"
)

const fixture = `
users:
  - id: u2
    active: true
    department_id: d1
    roles: [inspector]
  - id: u1
    active: true
    department_id: d1
    organization_id: o1
    roles: [inspector, lead]
  - id: u3
    active: false
    department_id: d1
points:
  - id: p1
    type: warehouse
    owner_id: u1
    active: true
  - id: p2
    type: warehouse
    active: true
`

func load(t *testing.T) *Static {
	t.Helper()
	p := filepath.Join(t.TempDir(), "directory.yaml")
	if err := os.WriteFile(p, []byte(fixture), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return s
}

func TestStaticLookups(t *testing.T) {
	t.Parallel()
	s := load(t)
	ctx := context.Background()

	dept, _ := s.ResolveDepartmentMembers(ctx, "d1")
	if len(dept) != 3 || dept[0].ID != "u1" {
		t.Fatalf("department members = %+v", dept)
	}
	role, _ := s.ResolveRoleMembers(ctx, "inspector")
	if len(role) != 2 {
		t.Fatalf("role members = %d, want 2", len(role))
	}
	users, _ := s.ResolveUsers(ctx, []string{"u1", "ghost"})
	if len(users) != 1 {
		t.Fatalf("users = %d, want 1", len(users))
	}
	pts, _ := s.ResolvePointsByType(ctx, "warehouse")
	if len(pts) != 2 || pts[0].ID != "p1" {
		t.Fatalf("points = %+v", pts)
	}
	if u, p := s.Counts(); u != 3 || p != 2 {
		t.Fatalf("counts = %d/%d, want 3/2", u, p)
	}
}

func TestStaticFeedsResolver(t *testing.T) {
	t.Parallel()
	s := load(t)
	r := scope.NewResolver(s, s, logx.Nop())
	cands, err := r.Resolve(context.Background(), models.DepartmentScope{DepartmentIDs: []string{"d1"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2 active members", len(cands))
	}
	cands, _ = r.Resolve(context.Background(), models.PointScope{TargetPointType: "warehouse"})
	if len(cands) != 1 || cands[0].CollectionPointID != "p1" {
		t.Fatalf("point candidates = %+v, want only the owned point", cands)
	}
}

func TestReplaceRejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := New(File{Users: []UserRecord{{User: scope.User{ID: "a"}}, {User: scope.User{ID: "a"}}}})
	if err == nil {
		t.Fatal("duplicate user accepted")
	}
}
