package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAccessAdminAlwaysAllowed(t *testing.T) {
	deny := []PermissionEntry{{Route: "/admin", Allow: false}, {Route: "/", Allow: false}}
	for _, path := range []string{"/", "/admin", "/admin/users", "/reports", "/anything/at/all"} {
		assert.True(t, CanAccess(NewRoles(RoleAdmin), deny, path), path)
		assert.True(t, CanAccess(NewRoles(RoleUser, RoleAdmin), nil, path), path)
	}
}

func TestCanAccessWithoutRolesUsesPublicList(t *testing.T) {
	cases := map[string]bool{
		"/":                    true,
		"/login":               true,
		"/announcements":       true,
		"/announcements/42":    true,
		"/tools":               true,
		"/knowledge-base/faq":  true,
		"/rooms":               true,
		"/admin":               false,
		"/reports":             false,
		"/toolsets":            false,
		"/announcementsx":      false,
		"/profile/preferences": false,
	}
	for path, want := range cases {
		assert.Equal(t, want, CanAccess(nil, nil, path), path)
		assert.Equal(t, want, CanAccess(Roles{}, []PermissionEntry{{Route: path, Allow: true}}, path), "entries ignored without roles: %s", path)
	}
}

func TestCanAccessDenyEntryAndPrefix(t *testing.T) {
	entries := []PermissionEntry{{Route: "/admin", Screen: "Administração", Allow: false}}
	roles := NewRoles(RoleUser)

	assert.False(t, CanAccess(roles, entries, "/admin"))
	assert.False(t, CanAccess(roles, entries, "/admin/x"))
	assert.True(t, CanAccess(roles, entries, "/other"), "unmatched routes fail open")
	assert.True(t, CanAccess(roles, entries, "/administration"), "prefix requires slash boundary")
}

func TestCanAccessConflictingEntriesAreOred(t *testing.T) {
	entries := []PermissionEntry{
		{Route: "/reports", Allow: false},
		{Route: "/reports", Allow: true},
	}
	assert.True(t, CanAccess(NewRoles(RoleUser, RoleModerator), entries, "/reports"))

	reversed := []PermissionEntry{entries[1], entries[0]}
	assert.True(t, CanAccess(NewRoles(RoleUser, RoleModerator), reversed, "/reports"))
}

func TestCanAccessNestedRules(t *testing.T) {
	entries := []PermissionEntry{
		{Route: "/admin", Allow: false},
		{Route: "/admin/rooms", Allow: true},
	}
	roles := NewRoles(RoleModerator)
	assert.True(t, CanAccess(roles, entries, "/admin/rooms/3"))
	assert.False(t, CanAccess(roles, entries, "/admin/users"))
}

func TestMatchesRoute(t *testing.T) {
	assert.True(t, MatchesRoute("/a", "/a"))
	assert.True(t, MatchesRoute("/a", "/a/b"))
	assert.True(t, MatchesRoute("/a/", "/a/b"))
	assert.False(t, MatchesRoute("/a", "/ab"))
	assert.False(t, MatchesRoute("", "/a"))
	assert.True(t, MatchesRoute("/", "/anything"))
}

func TestScreenNameExactOnly(t *testing.T) {
	entries := []PermissionEntry{
		{Route: "/reports", Screen: "Relatórios"},
		{Route: "/reports", Screen: "Second"},
	}

	name, ok := ScreenName(entries, "/reports")
	assert.True(t, ok)
	assert.Equal(t, "Relatórios", name)

	_, ok = ScreenName(entries, "/reports/monthly")
	assert.False(t, ok)
}

func TestIsPublicCustomList(t *testing.T) {
	public := []string{"/help"}
	assert.True(t, IsPublic(public, "/help/contact"))
	assert.False(t, IsPublic(public, "/"))
	assert.True(t, CanAccessWithPublic(public, nil, nil, "/help"))
}
