package rbac

import (
	"sort"
	"strings"
	"time"
)

// Wildcard is the permission name that stands for every permission.
const Wildcard = "*"

// Role represents a high-level permission grouping.
type Role struct {
	ID           int64
	Name         string
	Description  string
	IsSuperAdmin bool
	Permissions  []Permission
	CreatedAt    time.Time
	UpdatedAt    time.Time

	members       []int64
	membersLoaded bool
}

// WithMembers returns a copy of the role carrying its loaded member list.
func (r Role) WithMembers(principalIDs []int64) Role {
	r.members = append([]int64(nil), principalIDs...)
	r.membersLoaded = true
	return r
}

// Members returns the loaded member list and whether it was loaded at all.
func (r Role) Members() ([]int64, bool) {
	return r.members, r.membersLoaded
}

// PermissionNames lists the role's permission names.
func (r Role) PermissionNames() []string {
	names := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		names = append(names, p.Name)
	}
	return names
}

// Permission represents an atomic capability named resource:action.
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Principal describes the authenticated actor.
type Principal interface {
	GetID() int64
	IsSuperUser() bool
}

// PermissionSet is an effective permission set. The zero value is empty.
type PermissionSet struct {
	all   bool
	names map[string]struct{}
}

// AllPermissions returns the wildcard set.
func AllPermissions() PermissionSet {
	return PermissionSet{all: true}
}

// NewPermissionSet builds a set from names. A Wildcard entry yields the
// wildcard set.
func NewPermissionSet(names ...string) PermissionSet {
	set := PermissionSet{names: make(map[string]struct{}, len(names))}
	for _, n := range normalizePermissions(names) {
		if n == Wildcard {
			return AllPermissions()
		}
		set.names[n] = struct{}{}
	}
	return set
}

// IsWildcard reports whether the set grants everything.
func (s PermissionSet) IsWildcard() bool { return s.all }

// Has reports whether name is granted.
func (s PermissionSet) Has(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[normalizePermission(name)]
	return ok
}

// Len returns the number of explicit names; the wildcard set has length 1.
func (s PermissionSet) Len() int {
	if s.all {
		return 1
	}
	return len(s.names)
}

// Names returns the sorted permission names, or [Wildcard].
func (s PermissionSet) Names() []string {
	if s.all {
		return []string{Wildcard}
	}
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(p)
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
