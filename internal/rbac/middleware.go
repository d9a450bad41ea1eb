package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. It expects
// the identity binder to have run earlier in the chain.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequirePermission ensures the current principal holds perm.
func (m Middleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	return m.RequireAll(perm)
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard("rbac require any", normalized, func(set PermissionSet) bool {
		return hasAnyPermission(set, normalized)
	})
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard("rbac require all", normalized, func(set PermissionSet) bool {
		return hasAllPermissions(set, normalized)
	})
}

// RequireRole ensures the current principal holds the named role.
func (m Middleware) RequireRole(name string) func(http.Handler) http.Handler {
	name = strings.TrimSpace(name)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if id == nil {
				httpx.Unauthorized(w)
				return
			}
			ok, err := m.Resolver.HasRole(r.Context(), id, name)
			if err != nil {
				m.fail(w, "rbac require role", err)
				return
			}
			if !ok {
				m.deny(w, r, id, slog.String("role", name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSuperuser admits superusers only.
func (m Middleware) RequireSuperuser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if id == nil {
				httpx.Unauthorized(w)
				return
			}
			if !id.IsSuperUser() {
				m.deny(w, r, id, slog.Bool("superuser_required", true))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) guard(op string, required []string, allowed func(PermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.IdentityFromContext(r.Context())
			if id == nil {
				httpx.Unauthorized(w)
				return
			}
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Resolver.Resolve(r.Context(), id)
			if err != nil {
				m.fail(w, op, err)
				return
			}
			if allowed(granted) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, id, slog.Any("permissions", required))
		})
	}
}

// deny logs the missing grant server-side and answers with a bare 403.
func (m Middleware) deny(w http.ResponseWriter, r *http.Request, id *shared.Identity, attr slog.Attr) {
	m.logger().Warn("rbac forbidden",
		slog.Int64("principal_id", id.PrincipalID),
		slog.String("path", r.URL.Path),
		attr,
	)
	httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
}

func (m Middleware) fail(w http.ResponseWriter, op string, err error) {
	m.logger().Error(op, slog.Any("error", err))
	if errors.Is(err, shared.ErrStoreUnavailable) {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
		return
	}
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func hasAnyPermission(granted PermissionSet, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if granted.Has(r) {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted PermissionSet, required []string) bool {
	for _, r := range required {
		if !granted.Has(r) {
			return false
		}
	}
	return true
}
