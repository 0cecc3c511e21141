package rbac

import (
	"slices"
	"strings"
)

// Role represents one of the fixed portal permission tiers.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// AllRoles lists every tier, most privileged first.
var AllRoles = []Role{RoleAdmin, RoleModerator, RoleUser}

// ParseRole normalizes a stored or claimed role name. Unknown names report
// false and must be ignored by callers.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin", "administrator":
		return RoleAdmin, true
	case "moderator", "mod":
		return RoleModerator, true
	case "user", "member":
		return RoleUser, true
	default:
		return "", false
	}
}

// Roles is the set of tiers held by a caller. The zero value is the empty
// set, which the decision function treats like an anonymous caller.
type Roles []Role

// NewRoles deduplicates and orders roles canonically.
func NewRoles(roles ...Role) Roles {
	out := make(Roles, 0, len(roles))
	for _, candidate := range AllRoles {
		if slices.Contains(roles, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// ParseRoles keeps the recognised names from raw.
func ParseRoles(raw []string) Roles {
	parsed := make([]Role, 0, len(raw))
	for _, name := range raw {
		if role, ok := ParseRole(name); ok {
			parsed = append(parsed, role)
		}
	}
	return NewRoles(parsed...)
}

// Has reports membership.
func (r Roles) Has(role Role) bool {
	return slices.Contains(r, role)
}

// IsAdmin reports whether the set grants universal access.
func (r Roles) IsAdmin() bool { return r.Has(RoleAdmin) }

// IsModerator is true for moderators and administrators.
func (r Roles) IsModerator() bool { return r.Has(RoleModerator) || r.IsAdmin() }

// Key is a stable cache key for the set.
func (r Roles) Key() string {
	return strings.Join(NewRoles(r...).Strings(), ",")
}

// Strings returns the role names.
func (r Roles) Strings() []string {
	out := make([]string, 0, len(r))
	for _, role := range r {
		out = append(out, string(role))
	}
	return out
}

func hasIntersection(userRoles Roles, allowed []Role) bool {
	if len(userRoles) == 0 || len(allowed) == 0 {
		return false
	}
	for _, required := range allowed {
		if userRoles.Has(required) {
			return true
		}
	}
	return false
}
