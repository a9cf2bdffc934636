package authority

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type roleMap map[string][]string

func (m roleMap) LookupRole(_ context.Context, name string) (Role, error) {
	perms, ok := m[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return Role{Name: name, Permissions: perms}, nil
}

func TestResolveRegularRole(t *testing.T) {
	r := NewResolver(roleMap{"MANAGER": {"region:read", "company:read", "region:read"}})
	set, err := r.Resolve(context.Background(), "MANAGER")
	require.NoError(t, err)
	require.Equal(t, []string{"ROLE_MANAGER"}, set.Roles)
	require.Equal(t, []string{"company:read", "region:read"}, set.Permissions)
	require.False(t, set.All)
	require.True(t, set.Allows("company:read"))
	require.False(t, set.Allows("company:delete"))
	require.False(t, set.Allows("ROLE_MANAGER"), "role names are not permissions")
}

func TestResolveSuperAdminIgnoresStoredPermissions(t *testing.T) {
	r := NewResolver(roleMap{SuperAdmin: nil})
	set, err := r.Resolve(context.Background(), SuperAdmin)
	require.NoError(t, err)
	require.True(t, set.All)
	require.Equal(t, []string{"ROLE_SUPER-ADMIN"}, set.Roles)
	require.Equal(t, []string{Wildcard}, set.ClaimPermissions())
	require.True(t, set.Allows("anything:at-all"))

	catalog := []string{"user:read", "company:read", "user:read"}
	require.Equal(t, []string{"company:read", "user:read"}, set.Expand(catalog))
}

func TestResolveUnknownRole(t *testing.T) {
	r := NewResolver(roleMap{})
	_, err := r.Resolve(context.Background(), "GHOST")
	require.ErrorIs(t, err, ErrUnknownRole)
	_, err = r.Resolve(context.Background(), "  ")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestFromClaimsMatchesResolve(t *testing.T) {
	r := NewResolver(roleMap{"AUDITOR": {"user:read", "role:read"}})
	for _, name := range []string{"AUDITOR", SuperAdmin} {
		resolved, err := r.Resolve(context.Background(), name)
		require.NoError(t, err)
		rebuilt := FromClaims(resolved.Roles, resolved.ClaimPermissions())
		require.Equal(t, resolved, rebuilt, name)
	}
}

func TestFromClaimsRejectsBareWildcard(t *testing.T) {
	set := FromClaims([]string{"ROLE_MANAGER"}, []string{"*", "company:read"})
	require.False(t, set.All)
	require.False(t, set.Allows("user:delete"))
	require.True(t, set.Allows("company:read"))
}

func TestAllowsEmptyPermission(t *testing.T) {
	require.False(t, Set{All: true}.Allows(""))
}
