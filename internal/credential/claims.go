package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Purpose discriminates credential kinds via the "type" claim.
type Purpose string

const (
	// PurposeAccess marks short-lived bearer credentials.
	PurposeAccess Purpose = "access"
	// PurposeRefresh marks long-lived session credentials.
	PurposeRefresh Purpose = "refresh"
	// PurposeEmailVerification marks single-use email verification links.
	PurposeEmailVerification Purpose = "email_verification"
	// PurposePasswordReset marks single-use password reset links.
	PurposePasswordReset Purpose = "password_reset"
)

// Default lifetimes for purpose-scoped tokens.
const (
	EmailVerificationTTL = 24 * time.Hour
	PasswordResetTTL     = time.Hour
)

// DefaultTTL returns the lifetime used when a purpose token is issued without
// an explicit ttl.
func (p Purpose) DefaultTTL() time.Duration {
	switch p {
	case PurposeEmailVerification:
		return EmailVerificationTTL
	case PurposePasswordReset:
		return PasswordResetTTL
	default:
		return 0
	}
}

// Claims is the payload shared by every credential kind.
type Claims struct {
	jwt.RegisteredClaims

	// Type is the purpose discriminator.
	Type Purpose `json:"type"`

	// UserID is carried by refresh and purpose tokens.
	UserID int64 `json:"user_id,omitempty"`

	// Email binds purpose tokens to the address they were issued for.
	Email string `json:"email,omitempty"`
}

// Extra holds the additional claims a purpose token can carry.
type Extra struct {
	UserID int64
	Email  string
}

func newClaims(purpose Purpose, subject, issuer string, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Type: purpose,
	}
}
