// Package policy resolves RBAC grants from roles, permissions and assignments.
// Resolution is a pure function of its inputs.
package policy

import (
	"sort"

	"github.com/dtroode/academysync/internal/model"
)

// Set is a snapshot of the RBAC documents.
type Set struct {
	Roles       map[string]model.Role
	Permissions map[string]model.Permission
	Assignments map[string]model.RoleAssignment
}

// NewSet indexes the given documents by id. Later duplicates replace earlier ones.
func NewSet(roles []model.Role, permissions []model.Permission, assignments []model.RoleAssignment) Set {
	s := Set{
		Roles:       make(map[string]model.Role, len(roles)),
		Permissions: make(map[string]model.Permission, len(permissions)),
		Assignments: make(map[string]model.RoleAssignment, len(assignments)),
	}
	for _, r := range roles {
		s.Roles[r.ID] = r
	}
	for _, p := range permissions {
		s.Permissions[p.ID] = p
	}
	for _, a := range assignments {
		s.Assignments[a.UserID] = a
	}
	return s
}

// Merge returns base with every document of overlay laid over it.
func Merge(base, overlay Set) Set {
	out := Set{
		Roles:       make(map[string]model.Role, len(base.Roles)+len(overlay.Roles)),
		Permissions: make(map[string]model.Permission, len(base.Permissions)+len(overlay.Permissions)),
		Assignments: make(map[string]model.RoleAssignment, len(base.Assignments)+len(overlay.Assignments)),
	}
	for _, src := range []Set{base, overlay} {
		for id, r := range src.Roles {
			out.Roles[id] = r
		}
		for id, p := range src.Permissions {
			out.Permissions[id] = p
		}
		for id, a := range src.Assignments {
			out.Assignments[id] = a
		}
	}
	return out
}

// Grants is the resolved access of one user.
type Grants struct {
	UserID      string             `json:"user_id"`
	Roles       []model.Role       `json:"roles"`
	Permissions []model.Permission `json:"permissions"`
}

// Resolve unions the permissions of every role directly assigned to userID.
// Unknown users, roles and permissions contribute nothing.
func Resolve(set Set, userID string) Grants {
	g := Grants{UserID: userID}

	assignment, ok := set.Assignments[userID]
	if !ok {
		return g
	}

	seenRoles := make(map[string]struct{}, len(assignment.Roles))
	seenPerms := make(map[string]struct{})
	for _, roleID := range assignment.Roles {
		if _, dup := seenRoles[roleID]; dup {
			continue
		}
		role, ok := set.Roles[roleID]
		if !ok {
			continue
		}
		seenRoles[roleID] = struct{}{}
		g.Roles = append(g.Roles, role)

		for _, permID := range role.Permissions {
			if _, dup := seenPerms[permID]; dup {
				continue
			}
			perm, ok := set.Permissions[permID]
			if !ok {
				continue
			}
			seenPerms[permID] = struct{}{}
			g.Permissions = append(g.Permissions, perm)
		}
	}

	sort.Slice(g.Roles, func(i, j int) bool { return g.Roles[i].ID < g.Roles[j].ID })
	sort.Slice(g.Permissions, func(i, j int) bool { return g.Permissions[i].ID < g.Permissions[j].ID })
	return g
}

// Allows reports whether the grants hold (resource, action) or (resource, *).
func (g Grants) Allows(resource, action string) bool {
	for _, p := range g.Permissions {
		if p.Resource != resource {
			continue
		}
		if p.Action == action || p.Action == model.WildcardAction {
			return true
		}
	}
	return false
}
