// Package directory provides a static, file-backed implementation of the
// user directory and collection-point registry.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskdist/internal/config"
	"taskdist/internal/scope"
)

// File is the on-disk fixture format (YAML or JSON).
//
//	users:
//	  - id: u1
//	    active: true
//	    department_id: d1
//	    organization_id: o1
//	    roles: [inspector]
//	points:
//	  - id: p1
//	    type: warehouse
//	    owner_id: u1
//	    active: true
type File struct {
	Users  []UserRecord  `json:"users"`
	Points []scope.Point `json:"points"`
}

type UserRecord struct {
	scope.User
	Roles []string `json:"roles,omitempty"`
}

type snapshot struct {
	users  map[string]scope.User
	order  []string
	roles  map[string][]string
	points map[string]scope.Point
}

// Static serves a fixed directory. Replace swaps the data atomically.
type Static struct {
	mu   sync.RWMutex
	snap *snapshot
}

var (
	_ scope.Directory     = (*Static)(nil)
	_ scope.PointRegistry = (*Static)(nil)
)

func New(f File) (*Static, error) {
	s := &Static{}
	if err := s.Replace(f); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile reads a fixture from path.
func LoadFile(path string) (*Static, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f)
}

func ReadFile(path string) (File, error) {
	var f File
	if err := config.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("directory: %w", err)
	}
	return f, nil
}

// Replace validates f and swaps it in.
func (s *Static) Replace(f File) error {
	snap := &snapshot{
		users:  map[string]scope.User{},
		roles:  map[string][]string{},
		points: map[string]scope.Point{},
	}
	for _, u := range f.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return fmt.Errorf("directory: user without id")
		}
		if _, dup := snap.users[id]; dup {
			return fmt.Errorf("directory: duplicate user %q", id)
		}
		u.User.ID = id
		snap.users[id] = u.User
		snap.order = append(snap.order, id)
		for _, r := range u.Roles {
			if r = strings.TrimSpace(r); r != "" {
				snap.roles[r] = append(snap.roles[r], id)
			}
		}
	}
	for _, p := range f.Points {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("directory: point without id")
		}
		if _, dup := snap.points[id]; dup {
			return fmt.Errorf("directory: duplicate point %q", id)
		}
		p.ID = id
		snap.points[id] = p
	}
	sort.Strings(snap.order)
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}

func (s *Static) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ResolveUsers returns the known users among ids. Unknown ids are dropped.
func (s *Static) ResolveUsers(_ context.Context, ids []string) ([]scope.User, error) {
	snap := s.current()
	out := make([]scope.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := snap.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Static) ResolveDepartmentMembers(_ context.Context, id string) ([]scope.User, error) {
	return s.filter(func(u scope.User) bool { return u.DepartmentID == id }), nil
}

func (s *Static) ResolveOrganizationMembers(_ context.Context, id string) ([]scope.User, error) {
	return s.filter(func(u scope.User) bool { return u.OrganizationID == id }), nil
}

func (s *Static) ResolveRoleMembers(_ context.Context, id string) ([]scope.User, error) {
	snap := s.current()
	out := make([]scope.User, 0, len(snap.roles[id]))
	for _, uid := range snap.roles[id] {
		out = append(out, snap.users[uid])
	}
	return out, nil
}

func (s *Static) filter(keep func(u scope.User) bool) []scope.User {
	snap := s.current()
	var out []scope.User
	for _, id := range snap.order {
		if u := snap.users[id]; keep(u) {
			out = append(out, u)
		}
	}
	return out
}

func (s *Static) ResolvePointsByType(_ context.Context, pointType string) ([]scope.Point, error) {
	snap := s.current()
	var out []scope.Point
	for _, p := range snap.points {
		if p.Type == pointType {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Static) ResolvePoints(_ context.Context, ids []string) ([]scope.Point, error) {
	snap := s.current()
	out := make([]scope.Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := snap.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Counts reports the number of users and points, for status output.
func (s *Static) Counts() (users, points int) {
	snap := s.current()
	return len(snap.users), len(snap.points)
}
