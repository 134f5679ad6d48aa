// Package scope turns abstract scope descriptors into concrete assignment
// candidates by consulting the directory and collection-point collaborators.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskdist/internal/models"
	logx "taskdist/pkg/logx"
)

// User is a directory entry.
type User struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	Active         bool   `json:"active" yaml:"active"`
	DepartmentID   string `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
}

// Point is a collection point with its current owner (may be empty).
type Point struct {
	ID        string `json:"id" yaml:"id"`
	Type      string `json:"type" yaml:"type"`
	Commodity string `json:"commodity,omitempty" yaml:"commodity,omitempty"`
	OwnerID   string `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Active    bool   `json:"active" yaml:"active"`
}

// Directory resolves users, departments, organizations and roles.
type Directory interface {
	ResolveUsers(ctx context.Context, ids []string) ([]User, error)
	ResolveDepartmentMembers(ctx context.Context, id string) ([]User, error)
	ResolveOrganizationMembers(ctx context.Context, id string) ([]User, error)
	ResolveRoleMembers(ctx context.Context, id string) ([]User, error)
}

// PointRegistry resolves collection points.
type PointRegistry interface {
	ResolvePointsByType(ctx context.Context, pointType string) ([]Point, error)
	ResolvePoints(ctx context.Context, ids []string) ([]Point, error)
}

var errNoCollaborator = errors.New("collaborator not configured")

type Resolver struct {
	dir    Directory
	points PointRegistry
	log    logx.Logger
}

func NewResolver(dir Directory, points PointRegistry, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, points: points, log: log}
}

// Resolve returns candidates sorted by (user, point). An empty result is not
// an error; the caller decides how to report it.
func (r *Resolver) Resolve(ctx context.Context, s models.Scope) ([]models.Candidate, error) {
	if err := models.ValidateScope(s); err != nil {
		return nil, &models.ConfigError{Reason: "invalid scope", Err: err}
	}
	var (
		out []models.Candidate
		err error
	)
	switch v := s.(type) {
	case models.PointScope:
		out, err = r.resolvePoints(ctx, v)
	case models.UserScope:
		out, err = r.resolveUsers(ctx, v)
	case models.DepartmentScope:
		out, err = r.resolveDepartments(ctx, v)
	case models.OrganizationScope:
		out, err = r.resolveOrganizations(ctx, v)
	case models.RoleScope:
		out, err = r.resolveRoles(ctx, v)
	case models.QueryScope:
		out, err = r.resolveQuery(ctx, v)
	default:
		return nil, &models.ConfigError{Reason: fmt.Sprintf("unsupported scope %T", s)}
	}
	if err != nil {
		return nil, err
	}
	sortCandidates(out)
	return out, nil
}

func (r *Resolver) resolvePoints(ctx context.Context, s models.PointScope) ([]models.Candidate, error) {
	if r.points == nil {
		return nil, &models.ConfigError{Reason: "POINT scope", Err: errNoCollaborator}
	}
	var pts []Point
	if t := strings.TrimSpace(s.TargetPointType); t != "" {
		byType, err := r.points.ResolvePointsByType(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, p := range byType {
			if p.Active {
				pts = append(pts, p)
			}
		}
	}
	if ids := cleanIDs(s.CollectionPointIDs); len(ids) > 0 {
		byID, err := r.points.ResolvePoints(ctx, ids)
		if err != nil {
			return nil, err
		}
		pts = append(pts, byID...)
	}

	seen := make(map[string]struct{}, len(pts))
	out := make([]models.Candidate, 0, len(pts))
	for _, p := range pts {
		owner := strings.TrimSpace(p.OwnerID)
		if owner == "" {
			r.log.Debug("collection point has no owner; skipped", logx.String("point", p.ID), logx.String("type", p.Type))
			continue
		}
		c := models.Candidate{UserID: owner, CollectionPointID: p.ID, Commodity: p.Commodity}
		if _, dup := seen[c.SortKey()]; dup {
			continue
		}
		seen[c.SortKey()] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func (r *Resolver) resolveUsers(ctx context.Context, s models.UserScope) ([]models.Candidate, error) {
	if r.dir == nil {
		return nil, &models.ConfigError{Reason: "USER scope", Err: errNoCollaborator}
	}
	users, err := r.dir.ResolveUsers(ctx, cleanIDs(s.UserIDs))
	if err != nil {
		return nil, err
	}
	return usersToCandidates(users, false), nil
}

func (r *Resolver) resolveDepartments(ctx context.Context, s models.DepartmentScope) ([]models.Candidate, error) {
	if r.dir == nil {
		return nil, &models.ConfigError{Reason: "DEPARTMENT scope", Err: errNoCollaborator}
	}
	var all []User
	for _, id := range cleanIDs(s.DepartmentIDs) {
		users, err := r.dir.ResolveDepartmentMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, users...)
	}
	return usersToCandidates(all, true), nil
}

func (r *Resolver) resolveOrganizations(ctx context.Context, s models.OrganizationScope) ([]models.Candidate, error) {
	if r.dir == nil {
		return nil, &models.ConfigError{Reason: "ORGANIZATION scope", Err: errNoCollaborator}
	}
	var all []User
	for _, id := range cleanIDs(s.OrganizationIDs) {
		users, err := r.dir.ResolveOrganizationMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, users...)
	}
	return usersToCandidates(all, true), nil
}

func (r *Resolver) resolveRoles(ctx context.Context, s models.RoleScope) ([]models.Candidate, error) {
	if r.dir == nil {
		return nil, &models.ConfigError{Reason: "ROLE scope", Err: errNoCollaborator}
	}
	var all []User
	for _, id := range cleanIDs(s.RoleIDs) {
		users, err := r.dir.ResolveRoleMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, users...)
	}
	return usersToCandidates(all, false), nil
}

// resolveQuery unions every dimension present and keeps one candidate per
// user. Point-derived candidates win so the point context is preserved.
func (r *Resolver) resolveQuery(ctx context.Context, s models.QueryScope) ([]models.Candidate, error) {
	var parts [][]models.Candidate
	if s.Points != nil {
		c, err := r.resolvePoints(ctx, *s.Points)
		if err != nil {
			return nil, err
		}
		sortCandidates(c)
		parts = append(parts, c)
	}
	if s.Users != nil {
		c, err := r.resolveUsers(ctx, *s.Users)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	if s.Departments != nil {
		c, err := r.resolveDepartments(ctx, *s.Departments)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	if s.Organizations != nil {
		c, err := r.resolveOrganizations(ctx, *s.Organizations)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	if s.Roles != nil {
		c, err := r.resolveRoles(ctx, *s.Roles)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}

	seen := map[string]struct{}{}
	var out []models.Candidate
	for _, p := range parts {
		for _, c := range p {
			if _, dup := seen[c.UserID]; dup {
				continue
			}
			seen[c.UserID] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

func usersToCandidates(users []User, activeOnly bool) []models.Candidate {
	seen := make(map[string]struct{}, len(users))
	out := make([]models.Candidate, 0, len(users))
	for _, u := range users {
		id := strings.TrimSpace(u.ID)
		if id == "" || (activeOnly && !u.Active) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, models.Candidate{UserID: id})
	}
	return out
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortCandidates(cs []models.Candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].SortKey() < cs[j].SortKey() })
}
