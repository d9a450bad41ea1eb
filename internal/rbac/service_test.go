package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

func warm(t *testing.T, f *rbacFixture, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: id})
		require.NoError(t, err)
		require.True(t, f.mr.Exists(cacheKey(id)))
	}
}

func TestServiceSetRolePermissionsInvalidatesMembers(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	admin := f.catalog.addRole(t, "admin", false, "users:manage", "roles:read")
	other := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, admin)
	f.catalog.assign(t, 2, admin)
	f.catalog.assign(t, 3, other)
	warm(t, f, 1, 2, 3)

	require.NoError(t, f.service.SetRolePermissions(ctx, 100, admin, []string{"Roles:Read"}))

	assert.False(t, f.mr.Exists(cacheKey(1)))
	assert.False(t, f.mr.Exists(cacheKey(2)))
	assert.True(t, f.mr.Exists(cacheKey(3)))

	perms, err := f.service.EffectivePermissions(ctx, stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"roles:read"}, perms)

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "role.permissions.set", f.audit.logs[0].Action)
	assert.Equal(t, int64(100), f.audit.logs[0].ActorID)
}

func TestServiceUnknownPermissionRejected(t *testing.T) {
	f := newRBACFixture(t)
	admin := f.catalog.addRole(t, "admin", false)
	err := f.service.SetRolePermissions(context.Background(), 1, admin, []string{"nope:nope"})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, f.audit.logs)
}

func TestServiceAssignAndRemoveRole(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	editor := f.catalog.addRole(t, "editor", false, "content:write")
	warm(t, f, 7)

	require.NoError(t, f.service.AssignRole(ctx, 1, 7, editor))
	assert.False(t, f.mr.Exists(cacheKey(7)))
	ok, err := f.resolver.HasPermission(ctx, stubPrincipal{id: 7}, "content:write")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.service.RemoveRole(ctx, 1, 7, editor))
	ok, err = f.resolver.HasPermission(ctx, stubPrincipal{id: 7}, "content:write")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.service.RemoveRole(ctx, 1, 7, editor), shared.ErrNotFound)
}

func TestServiceSuperAdminToggle(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	ops := f.catalog.addRole(t, "ops", false, "system:read")
	f.catalog.assign(t, 4, ops)
	warm(t, f, 4)

	require.NoError(t, f.service.SetRoleSuperAdmin(ctx, 1, ops, true))
	set, err := f.resolver.Resolve(ctx, stubPrincipal{id: 4})
	require.NoError(t, err)
	assert.True(t, set.IsWildcard())

	require.NoError(t, f.service.SetRoleSuperAdmin(ctx, 1, ops, false))
	set, err = f.resolver.Resolve(ctx, stubPrincipal{id: 4})
	require.NoError(t, err)
	assert.False(t, set.IsWildcard())
}

func TestServiceSetSuperuserInvalidates(t *testing.T) {
	f := newRBACFixture(t)
	warm(t, f, 6)
	require.NoError(t, f.service.SetSuperuser(context.Background(), 1, 6, true))
	assert.False(t, f.mr.Exists(cacheKey(6)))
	assert.True(t, f.catalog.superusers[6])
}

func TestServiceDeleteRoleInvalidatesFormerMembers(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	admin := f.catalog.addRole(t, "admin", false, "users:manage")
	f.catalog.assign(t, 1, admin)
	warm(t, f, 1)

	require.NoError(t, f.service.DeleteRole(ctx, 9, admin))
	ok, err := f.resolver.HasPermission(ctx, stubPrincipal{id: 1}, "users:manage")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.service.DeleteRole(ctx, 9, admin), shared.ErrNotFound)
}

func TestServiceMutationFailsWhenInvalidationFails(t *testing.T) {
	f := newRBACFixture(t)
	admin := f.catalog.addRole(t, "admin", false, "users:manage")
	f.catalog.assign(t, 1, admin)
	f.mr.Close()

	err := f.service.SetRolePermissions(context.Background(), 1, admin, []string{"roles:read"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Empty(t, f.audit.logs)
}

func TestServiceCreateRoleValidation(t *testing.T) {
	f := newRBACFixture(t)
	_, err := f.service.CreateRole(context.Background(), 1, "   ", "", false)
	assert.ErrorIs(t, err, ErrNameRequired)

	role, err := f.service.CreateRole(context.Background(), 1, " auditor ", " reads logs ", false)
	require.NoError(t, err)
	assert.Equal(t, "auditor", role.Name)
	assert.Equal(t, "reads logs", role.Description)
}

func TestServiceAssignRoleByName(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.addRole(t, "super_admin", true)

	require.NoError(t, f.service.AssignRoleByName(ctx, 5, 5, " viewer "))
	ok, err := f.resolver.HasPermission(ctx, stubPrincipal{id: 5}, "content:read")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, f.service.AssignRoleByName(ctx, 5, 5, "missing"), shared.ErrNotFound)
	assert.ErrorIs(t, f.service.AssignRoleByName(ctx, 5, 5, "super_admin"), shared.ErrInvariantViolation)
	set, err := f.resolver.Resolve(ctx, stubPrincipal{id: 5})
	require.NoError(t, err)
	assert.False(t, set.IsWildcard())
}
