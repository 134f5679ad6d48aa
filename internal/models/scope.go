package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type ScopeType string

const (
	ScopePoint        ScopeType = "POINT"
	ScopeUser         ScopeType = "USER"
	ScopeDepartment   ScopeType = "DEPARTMENT"
	ScopeOrganization ScopeType = "ORGANIZATION"
	ScopeRole         ScopeType = "ROLE"
	ScopeQuery        ScopeType = "QUERY"
)

// Scope is a closed union of scope descriptors. Only the types in this
// package implement it.
type Scope interface {
	Type() ScopeType
	validate() error
}

type PointScope struct {
	TargetPointType    string   `json:"targetPointType,omitempty"`
	CollectionPointIDs []string `json:"collectionPointIds,omitempty"`
}

type UserScope struct {
	UserIDs []string `json:"userIds"`
}

type DepartmentScope struct {
	DepartmentIDs []string `json:"departmentIds"`
}

type OrganizationScope struct {
	OrganizationIDs []string `json:"organizationIds"`
}

type RoleScope struct {
	RoleIDs []string `json:"roleIds"`
}

// QueryScope composes any combination of the other dimensions.
type QueryScope struct {
	Points        *PointScope        `json:"points,omitempty"`
	Users         *UserScope         `json:"users,omitempty"`
	Departments   *DepartmentScope   `json:"departments,omitempty"`
	Organizations *OrganizationScope `json:"organizations,omitempty"`
	Roles         *RoleScope         `json:"roles,omitempty"`
}

func (PointScope) Type() ScopeType        { return ScopePoint }
func (UserScope) Type() ScopeType         { return ScopeUser }
func (DepartmentScope) Type() ScopeType   { return ScopeDepartment }
func (OrganizationScope) Type() ScopeType { return ScopeOrganization }
func (RoleScope) Type() ScopeType         { return ScopeRole }
func (QueryScope) Type() ScopeType        { return ScopeQuery }

func (s PointScope) validate() error {
	if strings.TrimSpace(s.TargetPointType) == "" && len(nonEmpty(s.CollectionPointIDs)) == 0 {
		return fmt.Errorf("POINT scope needs targetPointType or collectionPointIds")
	}
	return nil
}

func (s UserScope) validate() error { return requireIDs("USER", "userIds", s.UserIDs) }

func (s DepartmentScope) validate() error {
	return requireIDs("DEPARTMENT", "departmentIds", s.DepartmentIDs)
}

func (s OrganizationScope) validate() error {
	return requireIDs("ORGANIZATION", "organizationIds", s.OrganizationIDs)
}

func (s RoleScope) validate() error { return requireIDs("ROLE", "roleIds", s.RoleIDs) }

func (s QueryScope) validate() error {
	n := 0
	if s.Points != nil {
		if err := s.Points.validate(); err != nil {
			return err
		}
		n++
	}
	if s.Users != nil {
		if err := s.Users.validate(); err != nil {
			return err
		}
		n++
	}
	if s.Departments != nil {
		if err := s.Departments.validate(); err != nil {
			return err
		}
		n++
	}
	if s.Organizations != nil {
		if err := s.Organizations.validate(); err != nil {
			return err
		}
		n++
	}
	if s.Roles != nil {
		if err := s.Roles.validate(); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("QUERY scope has no dimensions")
	}
	return nil
}

func requireIDs(kind, field string, ids []string) error {
	if len(nonEmpty(ids)) == 0 {
		return fmt.Errorf("%s scope needs %s", kind, field)
	}
	return nil
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s := strings.TrimSpace(id); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ValidateScope checks that a descriptor carries the fields its type requires.
func ValidateScope(s Scope) error {
	if s == nil {
		return fmt.Errorf("scope required")
	}
	return s.validate()
}

// ScopeSpec is the persisted form of a Scope.
type ScopeSpec struct {
	Type  ScopeType       `json:"scopeType"`
	Query json.RawMessage `json:"scopeQuery,omitempty"`
}

// DecodeScope converts a persisted descriptor into its typed variant.
// Unknown fields, unknown types and missing required fields are rejected.
func DecodeScope(spec ScopeSpec) (Scope, error) {
	var s Scope
	var err error
	switch ScopeType(strings.ToUpper(strings.TrimSpace(string(spec.Type)))) {
	case ScopePoint:
		var v PointScope
		err = decodeStrict(spec.Query, &v)
		s = v
	case ScopeUser:
		var v UserScope
		err = decodeStrict(spec.Query, &v)
		s = v
	case ScopeDepartment:
		var v DepartmentScope
		err = decodeStrict(spec.Query, &v)
		s = v
	case ScopeOrganization:
		var v OrganizationScope
		err = decodeStrict(spec.Query, &v)
		s = v
	case ScopeRole:
		var v RoleScope
		err = decodeStrict(spec.Query, &v)
		s = v
	case ScopeQuery:
		var v QueryScope
		err = decodeStrict(spec.Query, &v)
		s = v
	default:
		return nil, fmt.Errorf("unknown scope type %q", spec.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", spec.Type, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeScope is the inverse of DecodeScope.
func EncodeScope(s Scope) (ScopeSpec, error) {
	if s == nil {
		return ScopeSpec{}, fmt.Errorf("scope required")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ScopeSpec{}, err
	}
	return ScopeSpec{Type: s.Type(), Query: b}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
