package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

func TestResolveUnionsRolePermissions(t *testing.T) {
	f := newRBACFixture(t)
	editor := f.catalog.addRole(t, "editor", false, "content:read", "content:write", "content:delete", "users:read")
	viewer := f.catalog.addRole(t, "viewer", false, "content:read", "users:read")
	want := []string{"content:delete", "content:read", "content:write", "users:read"}

	f.catalog.assign(t, 1, editor, viewer)
	f.catalog.assign(t, 2, viewer, editor)

	for _, id := range []int64{1, 2} {
		set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: id})
		require.NoError(t, err)
		assert.False(t, set.IsWildcard())
		assert.Equal(t, want, set.Names())
	}

	// Resolving again is served from cache and yields the same set.
	set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.Equal(t, want, set.Names())
	assert.Equal(t, 2, f.catalog.queries())
	assert.Equal(t, 1, f.metrics.hits)
}

func TestResolveCachesWithFixedTTL(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read", "users:read")
	f.catalog.assign(t, 5, viewer)

	_, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 5})
	require.NoError(t, err)

	raw, err := f.mr.Get("user_permissions:5")
	require.NoError(t, err)
	assert.JSONEq(t, `["content:read","users:read"]`, raw)
	assert.Equal(t, time.Hour, f.mr.TTL("user_permissions:5"))

	f.mr.FastForward(time.Hour + time.Second)
	_, err = f.resolver.Resolve(context.Background(), stubPrincipal{id: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, f.catalog.queries())
}

func TestSuperuserShortCircuit(t *testing.T) {
	f := newRBACFixture(t)
	p := stubPrincipal{id: 9, super: true}

	set, err := f.resolver.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, set.IsWildcard())
	assert.Equal(t, []string{Wildcard}, set.Names())

	ok, err := f.resolver.HasPermission(context.Background(), p, "anything:at-all")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Zero(t, f.catalog.queries())
	assert.False(t, f.mr.Exists("user_permissions:9"))
	assert.Zero(t, f.metrics.hits+f.metrics.misses)
}

func TestSuperAdminRoleCachesWildcard(t *testing.T) {
	f := newRBACFixture(t)
	root := f.catalog.addRole(t, "super_admin", true)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 3, viewer, root)

	set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 3})
	require.NoError(t, err)
	assert.True(t, set.IsWildcard())

	raw, err := f.mr.Get("user_permissions:3")
	require.NoError(t, err)
	assert.JSONEq(t, `["*"]`, raw)

	ok, err := f.resolver.HasPermission(context.Background(), stubPrincipal{id: 3}, "system:manage")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.catalog.queries())
}

func TestHasPermission(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read", "users:read")
	f.catalog.assign(t, 4, viewer)

	ok, err := f.resolver.HasPermission(context.Background(), stubPrincipal{id: 4}, "content:read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.resolver.HasPermission(context.Background(), stubPrincipal{id: 4}, "content:write")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.resolver.HasPermission(context.Background(), stubPrincipal{id: 99}, "content:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateForRoleDropsStaleGrant(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	admin := f.catalog.addRole(t, "admin", false, "users:manage", "roles:read")
	f.catalog.assign(t, 1, admin)
	f.catalog.assign(t, 2, admin)

	for _, id := range []int64{1, 2} {
		ok, err := f.resolver.HasPermission(ctx, stubPrincipal{id: id}, "users:manage")
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, f.catalog.SetRolePermissions(ctx, admin, []string{"roles:read"}))
	role := Role{ID: admin, Name: "admin"}.WithMembers([]int64{1, 2})
	require.NoError(t, f.resolver.InvalidateForRole(ctx, role))

	before := f.catalog.queries()
	set, err := f.resolver.Resolve(ctx, stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.False(t, set.Has("users:manage"))
	assert.True(t, set.Has("roles:read"))
	assert.Equal(t, before+1, f.catalog.queries(), "resolve must re-query roles after invalidation")
}

func TestInvalidateForRoleRequiresLoadedMembers(t *testing.T) {
	f := newRBACFixture(t)
	err := f.resolver.InvalidateForRole(context.Background(), Role{ID: 1, Name: "admin"})
	assert.ErrorIs(t, err, shared.ErrInvariantViolation)

	// An explicitly loaded empty member list is fine.
	err = f.resolver.InvalidateForRole(context.Background(), Role{ID: 1, Name: "admin"}.WithMembers(nil))
	assert.NoError(t, err)
}

func TestInvalidateNeverRecomputes(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)
	_, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
	require.NoError(t, err)

	require.NoError(t, f.resolver.Invalidate(context.Background(), 1))
	assert.False(t, f.mr.Exists("user_permissions:1"))
	assert.Equal(t, 1, f.catalog.queries())
}

func TestInvalidationFailureIsReported(t *testing.T) {
	f := newRBACFixture(t)
	f.mr.Close()

	err := f.resolver.Invalidate(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)

	err = f.resolver.InvalidateForRole(context.Background(), Role{Name: "admin"}.WithMembers([]int64{1, 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.Equal(t, 3, f.metrics.invalidationFailures)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)
	f.mr.Close()

	set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.True(t, set.Has("content:read"))
}

func TestStoreFailureFailsResolution(t *testing.T) {
	f := newRBACFixture(t)
	f.catalog.failRoles = errors.New("db down")

	_, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
	assert.Error(t, err)

	ok, err := f.resolver.HasPermission(context.Background(), stubPrincipal{id: 1}, "content:read")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCorruptCacheEntryIsAMiss(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)
	require.NoError(t, f.mr.Set("user_permissions:1", "not json"))

	set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.True(t, set.Has("content:read"))
	assert.Equal(t, 1, f.catalog.queries())
}

func TestHasRole(t *testing.T) {
	f := newRBACFixture(t)
	editor := f.catalog.addRole(t, "editor", false, "content:read")
	f.catalog.assign(t, 1, editor)

	ok, err := f.resolver.HasRole(context.Background(), stubPrincipal{id: 1}, "editor")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.resolver.HasRole(context.Background(), stubPrincipal{id: 1}, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.resolver.HasRole(context.Background(), stubPrincipal{id: 2, super: true}, "admin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPermissionSet(t *testing.T) {
	set := NewPermissionSet(" Users:Read ", "users:read", "", "content:write")
	assert.Equal(t, []string{"content:write", "users:read"}, set.Names())
	assert.True(t, set.Has("USERS:READ"))
	assert.False(t, set.Has("users:write"))
	assert.Equal(t, 2, set.Len())

	assert.True(t, NewPermissionSet("content:read", Wildcard).IsWildcard())

	var empty PermissionSet
	assert.False(t, empty.Has("users:read"))
	assert.Empty(t, empty.Names())
}

func TestDefaultCatalog(t *testing.T) {
	perms := DefaultPermissions()
	names := make(map[string]bool, len(perms))
	for _, p := range perms {
		names[p.Name] = true
	}
	assert.Len(t, perms, 19)
	for _, role := range DefaultRoles() {
		for _, p := range role.Permissions {
			assert.True(t, names[p], "role %s references unknown permission %s", role.Name, p)
		}
	}
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	f := newRBACFixture(t)
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := f.resolver.Resolve(context.Background(), stubPrincipal{id: 1})
			assert.NoError(t, err)
			assert.True(t, set.Has("content:read"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.catalog.queries(), 8)
	assert.GreaterOrEqual(t, f.catalog.queries(), 1)
}

func TestLoadStartedBeforeInvalidateIsNotShared(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)

	release := f.catalog.holdLoads()
	stale := make(chan PermissionSet, 1)
	go func() {
		set, err := f.resolver.Resolve(ctx, stubPrincipal{id: 1})
		assert.NoError(t, err)
		stale <- set
	}()
	<-f.catalog.entered
	f.catalog.stopHolding()

	require.NoError(t, f.service.SetRolePermissions(ctx, 9, viewer, []string{"content:write"}))

	fresh, err := f.resolver.Resolve(ctx, stubPrincipal{id: 1})
	require.NoError(t, err)
	assert.True(t, fresh.Has("content:write"))
	assert.False(t, fresh.Has("content:read"))

	close(release)
	select {
	case set := <-stale:
		assert.True(t, set.Has("content:read"))
	case <-time.After(2 * time.Second):
		t.Fatal("held load did not finish")
	}

	raw, err := f.mr.Get(cacheKey(1))
	require.NoError(t, err)
	assert.Contains(t, raw, "content:write")
	assert.NotContains(t, raw, "content:read")
}

func TestLoadDuringInvalidationSkipsCacheWrite(t *testing.T) {
	f := newRBACFixture(t)
	ctx := context.Background()
	viewer := f.catalog.addRole(t, "viewer", false, "content:read")
	f.catalog.assign(t, 1, viewer)

	release := f.catalog.holdLoads()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.resolver.Resolve(ctx, stubPrincipal{id: 1})
		assert.NoError(t, err)
	}()
	<-f.catalog.entered
	f.catalog.stopHolding()

	require.NoError(t, f.resolver.Invalidate(ctx, 1))
	close(release)
	<-done

	assert.False(t, f.mr.Exists(cacheKey(1)))
}
