package access

import (
	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/rbac"
)

// Snapshot is an immutable view of a Context, published after every change.
type Snapshot struct {
	Authenticated bool
	// Loading is the single "not ready to decide" flag. It covers the session
	// read and the first role fetch, never the permission fetch.
	Loading  bool
	Stage    Stage
	TimedOut bool
	Errored  bool
	// Err is the session read failure behind the error stage.
	Err      error
	Identity *identity.Identity
	Roles    rbac.Roles
	// Permissions is the entry union for Roles. It is empty for
	// administrators.
	Permissions        []rbac.PermissionEntry
	PermissionsSettled bool

	public []string
}

// IsAdmin reports whether the caller holds the admin role.
func (s Snapshot) IsAdmin() bool { return s.Roles.IsAdmin() }

// IsModerator reports moderator or admin.
func (s Snapshot) IsModerator() bool { return s.Roles.IsModerator() }

// Decide evaluates path. Callers with roles whose permission entries are
// still in flight get Pending for every path, so a deny entry that has not
// arrived yet is never mistaken for an unmodelled route.
func (s Snapshot) Decide(path string) Decision {
	if s.Roles.IsAdmin() {
		return Allow
	}
	if len(s.Roles) > 0 && !s.PermissionsSettled {
		return Pending
	}
	if rbac.CanAccessWithPublic(s.publicRoutes(), s.Roles, s.Permissions, path) {
		return Allow
	}
	return Deny
}

// CanAccess is Decide collapsed to a boolean; Pending is false.
func (s Snapshot) CanAccess(path string) bool {
	return s.Decide(path) == Allow
}

// ScreenName returns the display name configured for path, if any.
func (s Snapshot) ScreenName(path string) (string, bool) {
	return rbac.ScreenName(s.Permissions, path)
}

func (s Snapshot) publicRoutes() []string {
	if s.public == nil {
		return rbac.PublicRoutes
	}
	return s.public
}
