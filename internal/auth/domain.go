package auth

import (
	"context"
	"errors"

	"github.com/odyssey-erp/odyssey-auth/internal/users"
)

var (
	// ErrInvalidLink marks a verification or reset token that failed to decode.
	ErrInvalidLink = errors.New("auth: invalid or expired link")
	// ErrEmailMismatch marks a purpose token issued for a different address.
	ErrEmailMismatch = errors.New("auth: email mismatch")
	// ErrWrongPassword marks a failed current-password check on change.
	ErrWrongPassword = errors.New("auth: current password incorrect")
)

// TokenType is the OAuth2 token type reported to clients.
const TokenType = "bearer"

// Tokens is the credential pair handed to a client.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`

	refreshExpiresIn int64
}

// Principals is the subset of the user store the auth flows need.
type Principals interface {
	FindByID(ctx context.Context, id int64) (*users.User, error)
	FindByUsername(ctx context.Context, username string) (*users.User, error)
	FindByEmail(ctx context.Context, email string) (*users.User, error)
	FindByLogin(ctx context.Context, login string) (*users.User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	MarkEmailVerified(ctx context.Context, id int64) error
	Create(ctx context.Context, u users.User) (*users.User, error)
}

// RoleAssigner grants a role by name to a newly registered principal.
type RoleAssigner interface {
	AssignRoleByName(ctx context.Context, actorID, principalID int64, name string) error
}

// DefaultRole is granted to self-registered principals when it exists.
const DefaultRole = "viewer"

// Registration carries a self-service sign-up.
type Registration struct {
	Username string
	Email    string
	FullName string
	Password string
}

// Mailer queues outbound email.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}
