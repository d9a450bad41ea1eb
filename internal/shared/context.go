package shared

import "context"

// Identity is the authenticated principal bound to a request.
type Identity struct {
	PrincipalID int64
	Username    string
	Email       string
	FullName    string
	IsActive    bool
	IsSuperuser bool
}

// GetID implements rbac.Principal.
func (i *Identity) GetID() int64 { return i.PrincipalID }

// IsSuperUser implements rbac.Principal.
func (i *Identity) IsSuperUser() bool { return i.IsSuperuser }

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
