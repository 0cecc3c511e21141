package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"admin":     RoleAdmin,
		" Admin ":   RoleAdmin,
		"moderator": RoleModerator,
		"USER":      RoleUser,
	}
	for raw, want := range cases {
		got, ok := ParseRole(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := ParseRole("jump_master")
	assert.False(t, ok)
}

func TestNewRolesCanonical(t *testing.T) {
	roles := NewRoles(RoleUser, RoleAdmin, RoleUser)
	assert.Equal(t, Roles{RoleAdmin, RoleUser}, roles)
	assert.Equal(t, "admin,user", roles.Key())
	assert.Equal(t, NewRoles(RoleAdmin, RoleUser).Key(), Roles{RoleUser, RoleAdmin}.Key())
}

func TestParseRolesSkipsUnknown(t *testing.T) {
	assert.Equal(t, Roles{RoleModerator}, ParseRoles([]string{"ghost", "moderator"}))
	assert.Empty(t, ParseRoles(nil))
}

func TestTierHelpers(t *testing.T) {
	assert.True(t, NewRoles(RoleAdmin).IsModerator())
	assert.True(t, NewRoles(RoleModerator).IsModerator())
	assert.False(t, NewRoles(RoleModerator).IsAdmin())
	assert.False(t, NewRoles(RoleUser).IsModerator())
	assert.False(t, Roles(nil).IsAdmin())
}
