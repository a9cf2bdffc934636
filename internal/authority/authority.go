// Package authority resolves role names into effective authority sets.
//
// Role-type authorities carry the ROLE_ prefix, permission-type authorities
// are bare names such as "company:create". The super-admin role is carried
// as the AllPermissions variant and never expanded into an explicit list
// except for display.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	RolePrefix = "ROLE_"
	SuperAdmin = "SUPER-ADMIN"
	// Wildcard is the permission sentinel written into tokens for AllPermissions.
	Wildcard = "*"
)

var ErrUnknownRole = errors.New("authority: unknown role")

// Kind tags an Authority.
type Kind int

const (
	KindPermission Kind = iota
	KindAll
)

// Authority is either a single named permission or the AllPermissions grant.
type Authority struct {
	Kind Kind
	Name string
}

func Permission(name string) Authority { return Authority{Kind: KindPermission, Name: name} }

var AllPermissions = Authority{Kind: KindAll, Name: Wildcard}

// Covers reports whether a grants the named permission.
func (a Authority) Covers(permission string) bool {
	switch a.Kind {
	case KindAll:
		return true
	case KindPermission:
		return a.Name == permission
	default:
		return false
	}
}

// Role is the minimal role view the resolver needs.
type Role struct {
	Name        string
	Permissions []string
}

// RoleLookup fetches a role by name. It returns an error wrapping
// ErrUnknownRole when the role does not exist.
type RoleLookup interface {
	LookupRole(ctx context.Context, name string) (Role, error)
}

// Set is the effective authority of one principal.
type Set struct {
	Roles       []string
	Permissions []string
	All         bool
}

// Allows is the exact-match decision used by the authorization point.
func (s Set) Allows(permission string) bool {
	if permission == "" {
		return false
	}
	for _, a := range s.Authorities() {
		if a.Covers(permission) {
			return true
		}
	}
	return false
}

// Authorities lists the set as tagged values.
func (s Set) Authorities() []Authority {
	if s.All {
		return []Authority{AllPermissions}
	}
	out := make([]Authority, 0, len(s.Permissions))
	for _, p := range s.Permissions {
		out = append(out, Permission(p))
	}
	return out
}

// ClaimPermissions is the permission list written into tokens and the
// session cache.
func (s Set) ClaimPermissions() []string {
	if s.All {
		return []string{Wildcard}
	}
	return append([]string(nil), s.Permissions...)
}

// Expand materializes the set against a permission catalog.
func (s Set) Expand(catalog []string) []string {
	if !s.All {
		return append([]string(nil), s.Permissions...)
	}
	return dedupe(catalog)
}

// Resolver turns role names into authority sets.
type Resolver struct {
	roles RoleLookup
}

func NewResolver(roles RoleLookup) *Resolver {
	return &Resolver{roles: roles}
}

// Resolve returns the effective set for roleName. The super-admin role
// resolves to AllPermissions without reading its stored permissions.
func (r *Resolver) Resolve(ctx context.Context, roleName string) (Set, error) {
	name := strings.TrimPrefix(strings.TrimSpace(roleName), RolePrefix)
	if name == "" {
		return Set{}, fmt.Errorf("%w: empty name", ErrUnknownRole)
	}
	if name == SuperAdmin {
		return Set{Roles: []string{RolePrefix + SuperAdmin}, All: true}, nil
	}
	role, err := r.roles.LookupRole(ctx, name)
	if err != nil {
		return Set{}, err
	}
	return Set{
		Roles:       []string{RolePrefix + role.Name},
		Permissions: dedupe(role.Permissions),
	}, nil
}

// FromClaims rebuilds a Set from token or session-cache authorities. Cache
// hits and cache misses both go through here so they cannot disagree.
func FromClaims(roles, permissions []string) Set {
	s := Set{}
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.HasPrefix(r, RolePrefix) {
			r = RolePrefix + r
		}
		s.Roles = append(s.Roles, r)
		if r == RolePrefix+SuperAdmin {
			s.All = true
		}
	}
	if s.All {
		return s
	}
	var perms []string
	for _, p := range permissions {
		// a wildcard without the super-admin role is not honoured
		if p == Wildcard || strings.HasPrefix(p, RolePrefix) {
			continue
		}
		perms = append(perms, p)
	}
	s.Permissions = dedupe(perms)
	return s
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
