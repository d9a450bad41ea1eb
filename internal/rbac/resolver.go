package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// DefaultCacheTTL bounds how long a cached permission set may be served.
const DefaultCacheTTL = time.Hour

const cachePrefix = "user_permissions:"

// Cache is the subset of the ephemeral store the resolver uses.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ResolverMetrics receives permission cache events.
type ResolverMetrics interface {
	PermissionCacheHit()
	PermissionCacheMiss()
	InvalidationFailed()
}

type noopResolverMetrics struct{}

func (noopResolverMetrics) PermissionCacheHit() {}

func (noopResolverMetrics) PermissionCacheMiss() {}

func (noopResolverMetrics) InvalidationFailed() {}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics ResolverMetrics
}

// Resolver computes effective permission sets with a read-through cache.
type Resolver struct {
	roles   RoleSource
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics ResolverMetrics
	loads   singleflight.Group
	// epoch advances on every invalidation; a load only caches its result
	// when no invalidation happened while it was in flight.
	epoch atomic.Uint64
}

// NewResolver constructs a Resolver.
func NewResolver(roles RoleSource, cache Cache, opts ResolverOptions) *Resolver {
	r := &Resolver{
		roles:   roles,
		cache:   cache,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCacheTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = noopResolverMetrics{}
	}
	return r
}

func cacheKey(principalID int64) string {
	return cachePrefix + strconv.FormatInt(principalID, 10)
}

// Resolve returns the principal's effective permissions. Superusers get the
// wildcard without touching the cache or the store. A cache failure falls
// back to the store; a store failure is returned.
func (r *Resolver) Resolve(ctx context.Context, p Principal) (PermissionSet, error) {
	if p == nil {
		return PermissionSet{}, fmt.Errorf("rbac: resolve: %w: nil principal", shared.ErrInvariantViolation)
	}
	if p.IsSuperUser() {
		return AllPermissions(), nil
	}
	id := p.GetID()
	if set, ok := r.cached(ctx, id); ok {
		r.metrics.PermissionCacheHit()
		return set, nil
	}
	r.metrics.PermissionCacheMiss()

	set, err := r.load(ctx, id)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: resolve: %w", err)
	}
	return set, nil
}

// load reads the principal's roles from the store and caches the result.
// Concurrent misses for one principal share a single store query.
func (r *Resolver) load(ctx context.Context, principalID int64) (PermissionSet, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(cacheKey(principalID), func() (interface{}, error) {
		started := r.epoch.Load()
		roles, err := r.roles.RolesForPrincipal(detached, principalID)
		if err != nil {
			return nil, err
		}
		set := effectivePermissions(roles)
		if r.epoch.Load() == started {
			r.store(detached, principalID, set)
		}
		return set, nil
	})
	select {
	case <-ctx.Done():
		return PermissionSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PermissionSet{}, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

func effectivePermissions(roles []Role) PermissionSet {
	var names []string
	for _, role := range roles {
		if role.IsSuperAdmin {
			return AllPermissions()
		}
		names = append(names, role.PermissionNames()...)
	}
	return NewPermissionSet(names...)
}

func (r *Resolver) cached(ctx context.Context, principalID int64) (PermissionSet, bool) {
	raw, err := r.cache.Get(ctx, cacheKey(principalID))
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			r.logger.Warn("permission cache read failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		}
		return PermissionSet{}, false
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		r.logger.Warn("permission cache entry unreadable", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return PermissionSet{}, false
	}
	return NewPermissionSet(names...), true
}

func (r *Resolver) store(ctx context.Context, principalID int64, set PermissionSet) {
	payload, err := json.Marshal(set.Names())
	if err != nil {
		return
	}
	if err := r.cache.SetWithTTL(ctx, cacheKey(principalID), string(payload), r.ttl); err != nil {
		r.logger.Warn("permission cache write failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
	}
}

// Invalidate drops the principal's cached permission set. Loads already in
// flight are detached so later misses read the store again.
func (r *Resolver) Invalidate(ctx context.Context, principalID int64) error {
	r.epoch.Add(1)
	r.loads.Forget(cacheKey(principalID))
	if err := r.cache.Delete(ctx, cacheKey(principalID)); err != nil {
		r.metrics.InvalidationFailed()
		r.logger.Error("permission cache invalidation failed", slog.Int64("principal_id", principalID), slog.Any("error", err))
		return fmt.Errorf("rbac: invalidate principal %d: %w", principalID, err)
	}
	return nil
}

// InvalidateForRole drops the cached permission sets of every member of role.
// The role must carry its loaded member list; a role without one is rejected
// with shared.ErrInvariantViolation so no member is silently skipped.
func (r *Resolver) InvalidateForRole(ctx context.Context, role Role) error {
	members, loaded := role.Members()
	if !loaded {
		r.logger.Error("role invalidation without loaded members", slog.Int64("role_id", role.ID), slog.String("role", role.Name))
		return fmt.Errorf("rbac: invalidate role %q: members not loaded: %w", role.Name, shared.ErrInvariantViolation)
	}
	var errs []error
	for _, id := range members {
		if err := r.Invalidate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasPermission reports whether p holds name.
func (r *Resolver) HasPermission(ctx context.Context, p Principal, name string) (bool, error) {
	set, err := r.Resolve(ctx, p)
	if err != nil {
		return false, err
	}
	return set.Has(name), nil
}

// HasRole reports whether p holds the named role. Superusers hold every role.
func (r *Resolver) HasRole(ctx context.Context, p Principal, name string) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("rbac: has role: %w: nil principal", shared.ErrInvariantViolation)
	}
	if p.IsSuperUser() {
		return true, nil
	}
	roles, err := r.roles.RolesForPrincipal(ctx, p.GetID())
	if err != nil {
		return false, fmt.Errorf("rbac: has role: %w", err)
	}
	for _, role := range roles {
		if role.Name == name {
			return true, nil
		}
	}
	return false, nil
}
