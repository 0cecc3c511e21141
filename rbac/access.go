package rbac

import "strings"

// PermissionEntry is a per-route rule attached to a role. The complete set
// for a caller is the union over its roles; entries for different roles may
// share a route.
type PermissionEntry struct {
	Route  string `json:"route"`
	Screen string `json:"screen"`
	Allow  bool   `json:"allow"`
}

// PublicRoutes are reachable by callers without any resolved role.
var PublicRoutes = []string{
	"/",
	"/login",
	"/announcements",
	"/tools",
	"/rooms",
	"/knowledge-base",
}

// MatchesRoute reports whether route covers path: exact equality, or route
// followed by a "/" boundary. "/admin" covers "/admin/users" but not
// "/administration".
func MatchesRoute(route, path string) bool {
	if route == path {
		return true
	}
	if route == "" {
		return false
	}
	prefix := strings.TrimSuffix(route, "/") + "/"
	return strings.HasPrefix(path, prefix)
}

// CanAccess decides whether a caller with roles and entries may render path,
// using the default PublicRoutes.
func CanAccess(roles Roles, entries []PermissionEntry, path string) bool {
	return CanAccessWithPublic(PublicRoutes, roles, entries, path)
}

// CanAccessWithPublic is CanAccess with an explicit public allow-list.
//
// Administrators always pass. Callers without roles only reach public
// routes; "/" is public only by exact match so it does not open every path.
// Otherwise an unmatched path is allowed, and matched entries are OR-ed.
func CanAccessWithPublic(public []string, roles Roles, entries []PermissionEntry, path string) bool {
	if roles.IsAdmin() {
		return true
	}

	if len(roles) == 0 {
		return IsPublic(public, path)
	}

	matched := false
	for _, entry := range entries {
		if !MatchesRoute(entry.Route, path) {
			continue
		}
		if entry.Allow {
			return true
		}
		matched = true
	}
	return !matched
}

// IsPublic reports whether path is on the public allow-list.
func IsPublic(public []string, path string) bool {
	for _, route := range public {
		if route == "/" {
			if path == "/" {
				return true
			}
			continue
		}
		if MatchesRoute(route, path) {
			return true
		}
	}
	return false
}

// ScreenName returns the display name of the first entry whose route equals
// path exactly.
func ScreenName(entries []PermissionEntry, path string) (string, bool) {
	for _, entry := range entries {
		if entry.Route == path {
			return entry.Screen, true
		}
	}
	return "", false
}
