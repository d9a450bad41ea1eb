package rbac

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// memoryCatalog is an in-memory Repository.
type memoryCatalog struct {
	mu          sync.Mutex
	nextID      int64
	roles       map[int64]*Role
	grants      map[int64]map[string]struct{}
	members     map[int64]map[int64]struct{}
	known       map[string]Permission
	superusers  map[int64]bool
	roleQueries int
	failRoles   error
	hold        chan struct{}
	entered     chan struct{}
}

func newMemoryCatalog() *memoryCatalog {
	c := &memoryCatalog{
		roles:      make(map[int64]*Role),
		grants:     make(map[int64]map[string]struct{}),
		members:    make(map[int64]map[int64]struct{}),
		known:      make(map[string]Permission),
		superusers: make(map[int64]bool),
	}
	for i, p := range DefaultPermissions() {
		p.ID = int64(i + 1)
		c.known[p.Name] = p
	}
	return c
}

func (c *memoryCatalog) addRole(t *testing.T, name string, superAdmin bool, perms ...string) int64 {
	t.Helper()
	role, err := c.CreateRole(context.Background(), name, "", superAdmin)
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := c.SetRolePermissions(context.Background(), role.ID, perms); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	return role.ID
}

func (c *memoryCatalog) assign(t *testing.T, principalID int64, roleIDs ...int64) {
	t.Helper()
	for _, id := range roleIDs {
		if err := c.AssignRole(context.Background(), principalID, id); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
}

func (c *memoryCatalog) queries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roleQueries
}

func (c *memoryCatalog) materialize(id int64) Role {
	role := *c.roles[id]
	role.Permissions = nil
	names := make([]string, 0, len(c.grants[id]))
	for n := range c.grants[id] {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		role.Permissions = append(role.Permissions, c.known[n])
	}
	return role
}

func (c *memoryCatalog) RolesForPrincipal(_ context.Context, principalID int64) ([]Role, error) {
	roles, hold, err := c.snapshotRoles(principalID)
	if hold != nil {
		c.entered <- struct{}{}
		<-hold
	}
	return roles, err
}

// snapshotRoles reads the principal's roles. When hold is set the caller
// parks after reading until the channel is closed.
func (c *memoryCatalog) snapshotRoles(principalID int64) ([]Role, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roleQueries++
	if c.failRoles != nil {
		return nil, nil, c.failRoles
	}
	var ids []int64
	for roleID, m := range c.members {
		if _, ok := m[principalID]; ok {
			ids = append(ids, roleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		roles = append(roles, c.materialize(id))
	}
	return roles, c.hold, nil
}

// holdLoads parks the next role reads after they snapshot the catalog.
func (c *memoryCatalog) holdLoads() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	return c.hold
}

// stopHolding lets later reads through without releasing parked ones.
func (c *memoryCatalog) stopHolding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = nil
}

func (c *memoryCatalog) ListRoles(context.Context) ([]Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles := make([]Role, 0, len(c.roles))
	for id := range c.roles {
		roles = append(roles, c.materialize(id))
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (c *memoryCatalog) LoadRole(_ context.Context, roleID int64) (Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roles[roleID]; !ok {
		return Role{}, shared.ErrNotFound
	}
	var members []int64
	for id := range c.members[roleID] {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return c.materialize(roleID).WithMembers(members), nil
}

func (c *memoryCatalog) CreateRole(_ context.Context, name, description string, superAdmin bool) (Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	role := &Role{ID: c.nextID, Name: name, Description: description, IsSuperAdmin: superAdmin}
	c.roles[role.ID] = role
	c.grants[role.ID] = make(map[string]struct{})
	c.members[role.ID] = make(map[int64]struct{})
	return *role, nil
}

func (c *memoryCatalog) DeleteRole(_ context.Context, roleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	delete(c.roles, roleID)
	delete(c.grants, roleID)
	delete(c.members, roleID)
	return nil
}

func (c *memoryCatalog) ListPermissions(context.Context) ([]Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perms := make([]Permission, 0, len(c.known))
	for _, p := range c.known {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (c *memoryCatalog) EnsurePermission(_ context.Context, name, description string) (Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.known[name]
	if !ok {
		p = Permission{ID: int64(len(c.known) + 1), Name: name}
	}
	p.Description = description
	c.known[name] = p
	return p, nil
}

func (c *memoryCatalog) SetRolePermissions(_ context.Context, roleID int64, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := c.known[n]; !ok {
			return shared.ErrNotFound
		}
		next[n] = struct{}{}
	}
	c.grants[roleID] = next
	return nil
}

func (c *memoryCatalog) SetRoleSuperAdmin(_ context.Context, roleID int64, superAdmin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, ok := c.roles[roleID]
	if !ok {
		return shared.ErrNotFound
	}
	role.IsSuperAdmin = superAdmin
	return nil
}

func (c *memoryCatalog) AssignRole(_ context.Context, principalID, roleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	c.members[roleID][principalID] = struct{}{}
	return nil
}

func (c *memoryCatalog) RemoveRole(_ context.Context, principalID, roleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[roleID]
	if !ok {
		return shared.ErrNotFound
	}
	if _, ok := m[principalID]; !ok {
		return shared.ErrNotFound
	}
	delete(m, principalID)
	return nil
}

func (c *memoryCatalog) SetPrincipalSuperuser(_ context.Context, principalID int64, superuser bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superusers[principalID] = superuser
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type stubPrincipal struct {
	id    int64
	super bool
}

func (p stubPrincipal) GetID() int64 { return p.id }

func (p stubPrincipal) IsSuperUser() bool { return p.super }

type counters struct {
	hits, misses, invalidationFailures int
}

func (c *counters) PermissionCacheHit() { c.hits++ }

func (c *counters) PermissionCacheMiss() { c.misses++ }

func (c *counters) InvalidationFailed() { c.invalidationFailures++ }

type rbacFixture struct {
	mr       *miniredis.Miniredis
	catalog  *memoryCatalog
	metrics  *counters
	resolver *Resolver
	audit    *memoryAudit
	service  *Service
}

func newRBACFixture(t *testing.T) *rbacFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &rbacFixture{
		mr:      mr,
		catalog: newMemoryCatalog(),
		metrics: &counters{},
		audit:   &memoryAudit{},
	}
	f.resolver = NewResolver(f.catalog, cache.NewStore(client), ResolverOptions{Logger: logger, Metrics: f.metrics})
	f.service = NewService(f.catalog, f.resolver, f.audit, logger)
	return f
}
