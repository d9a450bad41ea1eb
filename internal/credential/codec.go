// Package credential signs and verifies stateless bearer credentials.
//
// Access credentials are verified without any store lookup. Refresh
// credentials carry type=refresh and may be signed with their own secret.
// Purpose tokens (email verification, password reset) carry their purpose in
// the type claim and are rejected when presented for another purpose.
//
// Every decode failure collapses into shared.ErrInvalidCredentials.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// Config configures a Codec.
type Config struct {
	SecretKey        string
	RefreshSecretKey string
	Algorithm        string
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

// Codec issues and decodes credentials.
type Codec struct {
	method     jwt.SigningMethod
	accessKey  []byte
	refreshKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Issued is a signed credential together with its expiry.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// New validates cfg and builds a Codec.
func New(cfg Config) (*Codec, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("credential: secret key required")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("credential: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("credential: access and refresh ttl must be positive")
	}
	refreshKey := cfg.RefreshSecretKey
	if refreshKey == "" {
		refreshKey = cfg.SecretKey
	}
	return &Codec{
		method:     method,
		accessKey:  []byte(cfg.SecretKey),
		refreshKey: []byte(refreshKey),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// AccessTTL is the default access credential lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL is the default refresh credential lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs a short-lived access credential for subject. A zero ttl
// selects the configured default.
func (c *Codec) IssueAccess(subject string, ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		ttl = c.accessTTL
	}
	claims := newClaims(PurposeAccess, subject, c.issuer, ttl, c.now())
	return c.sign(claims, c.accessKey)
}

// IssueRefresh signs a refresh credential for subject. The result is the
// opaque secret the session manager tracks by digest.
func (c *Codec) IssueRefresh(subject string, userID int64, ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		ttl = c.refreshTTL
	}
	claims := newClaims(PurposeRefresh, subject, c.issuer, ttl, c.now())
	claims.UserID = userID
	return c.sign(claims, c.refreshKey)
}

// IssuePurposeToken signs a single-purpose token. A zero ttl selects the
// purpose's default lifetime.
func (c *Codec) IssuePurposeToken(purpose Purpose, subject string, extra Extra, ttl time.Duration) (Issued, error) {
	if purpose == PurposeAccess || purpose == PurposeRefresh || purpose.DefaultTTL() == 0 {
		return Issued{}, fmt.Errorf("credential: unsupported purpose %q", purpose)
	}
	if ttl <= 0 {
		ttl = purpose.DefaultTTL()
	}
	claims := newClaims(purpose, subject, c.issuer, ttl, c.now())
	claims.UserID = extra.UserID
	claims.Email = extra.Email
	return c.sign(claims, c.accessKey)
}

// DecodeAccess verifies an access credential.
func (c *Codec) DecodeAccess(token string) (Claims, error) {
	return c.decode(token, c.accessKey, PurposeAccess)
}

// DecodeRefresh verifies a refresh credential.
func (c *Codec) DecodeRefresh(token string) (Claims, error) {
	return c.decode(token, c.refreshKey, PurposeRefresh)
}

// DecodePurpose verifies a purpose token issued for exactly purpose.
func (c *Codec) DecodePurpose(token string, purpose Purpose) (Claims, error) {
	if purpose == PurposeAccess || purpose == PurposeRefresh {
		return Claims{}, shared.ErrInvalidCredentials
	}
	return c.decode(token, c.accessKey, purpose)
}

func (c *Codec) sign(claims Claims, key []byte) (Issued, error) {
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(key)
	if err != nil {
		return Issued{}, fmt.Errorf("credential: sign: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (c *Codec) decode(token string, key []byte, want Purpose) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, shared.ErrInvalidCredentials
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, shared.ErrInvalidCredentials
	}
	if claims.Type != want {
		return Claims{}, shared.ErrInvalidCredentials
	}
	return claims, nil
}
