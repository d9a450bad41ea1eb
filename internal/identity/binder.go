// Package identity binds the authenticated principal to each request.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-auth/internal/credential"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
	"github.com/odyssey-erp/odyssey-auth/internal/users"
)

// AccessCookie carries the access credential for browser clients.
const AccessCookie = "token"

// Decoder verifies access credentials.
type Decoder interface {
	DecodeAccess(token string) (credential.Claims, error)
}

// PrincipalLoader loads a principal by username.
type PrincipalLoader interface {
	FindByUsername(ctx context.Context, username string) (*users.User, error)
}

// Binder resolves the request credential into a shared.Identity.
type Binder struct {
	decoder  Decoder
	loader   PrincipalLoader
	logger   *slog.Logger
	paths    map[string]struct{}
	prefixes []string
}

// DefaultPublicPaths lists exact paths served without a credential.
var DefaultPublicPaths = []string{"/", "/health", "/healthz", "/metrics"}

// DefaultPublicPrefixes lists path prefixes served without a credential.
var DefaultPublicPrefixes = []string{"/auth/"}

// NewBinder constructs a Binder with the default public paths.
func NewBinder(decoder Decoder, loader PrincipalLoader, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binder{decoder: decoder, loader: loader, logger: logger, paths: make(map[string]struct{})}
	for _, p := range DefaultPublicPaths {
		b.paths[p] = struct{}{}
	}
	b.prefixes = append(b.prefixes, DefaultPublicPrefixes...)
	return b
}

// Public reports whether path bypasses enforcement.
func (b *Binder) Public(path string) bool {
	if _, ok := b.paths[path]; ok {
		return true
	}
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware binds the identity. Protected paths reject requests that carry
// no valid credential; public paths bind opportunistically.
func (b *Binder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.IdentityFromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		public := b.Public(r.URL.Path)
		token := TokenFromRequest(r)
		if token == "" {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Unauthorized(w)
			return
		}
		id, err := b.Authenticate(r.Context(), token)
		if err != nil {
			if public && !errors.Is(err, shared.ErrStoreUnavailable) {
				next.ServeHTTP(w, r)
				return
			}
			b.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), id)))
	})
}

// Authenticate decodes token and loads its active principal.
func (b *Binder) Authenticate(ctx context.Context, token string) (*shared.Identity, error) {
	claims, err := b.decoder.DecodeAccess(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, shared.ErrInvalidCredentials
	}
	user, err := b.loader.FindByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInactivePrincipal
	}
	return user.ToIdentity(), nil
}

func (b *Binder) reject(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidCredentials):
		httpx.Unauthorized(w)
	case errors.Is(err, shared.ErrInactivePrincipal):
		b.logger.Info("inactive principal rejected", slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "principal inactive")
	case errors.Is(err, shared.ErrStoreUnavailable):
		b.logger.Warn("identity store unavailable", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
	default:
		b.logger.Error("identity bind failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Require rejects requests that reached it without a bound identity. It
// guards authenticated routes under public prefixes.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.IdentityFromContext(r.Context()) == nil {
			httpx.Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest returns the access credential, preferring the cookie over
// the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
