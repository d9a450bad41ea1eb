package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/odyssey-erp/odyssey-auth/internal/credential"
	"github.com/odyssey-erp/odyssey-auth/internal/session"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
	"github.com/odyssey-erp/odyssey-auth/internal/users"
)

// Options configures optional Service collaborators.
type Options struct {
	Hasher        users.Hasher
	Mailer        Mailer
	Roles         RoleAssigner
	PublicBaseURL string
	Logger        *slog.Logger
}

// Service wraps authentication business rules.
type Service struct {
	users    Principals
	sessions *session.Manager
	codec    *credential.Codec
	hasher   users.Hasher
	mailer   Mailer
	roles    RoleAssigner
	baseURL  string
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(principals Principals, sessions *session.Manager, codec *credential.Codec, opts Options) *Service {
	if opts.Hasher == nil {
		opts.Hasher = users.BcryptHasher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		users:    principals,
		sessions: sessions,
		codec:    codec,
		hasher:   opts.Hasher,
		mailer:   opts.Mailer,
		roles:    opts.Roles,
		baseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		logger:   opts.Logger,
	}
}

// Login validates username-or-email credentials and opens a session for device.
func (s *Service) Login(ctx context.Context, login, password string, device session.Device) (Tokens, *users.User, error) {
	user, err := s.users.FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.logger.Info("login rejected", slog.String("reason", "unknown principal"))
			return Tokens{}, nil, shared.ErrInvalidCredentials
		}
		return Tokens{}, nil, err
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		s.logger.Info("login rejected", slog.String("reason", "password mismatch"), slog.Int64("principal_id", user.ID))
		return Tokens{}, nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return Tokens{}, nil, shared.ErrInactivePrincipal
	}

	access, err := s.codec.IssueAccess(user.Username, 0)
	if err != nil {
		return Tokens{}, nil, err
	}
	refresh, err := s.codec.IssueRefresh(user.Username, user.ID, s.sessions.Lifetime())
	if err != nil {
		return Tokens{}, nil, err
	}
	if _, err := s.sessions.Issue(ctx, refresh.Token, user.ID, user.Username, device); err != nil {
		return Tokens{}, nil, err
	}
	s.logger.Info("login succeeded",
		slog.Int64("principal_id", user.ID),
		slog.String("device_type", string(device.Class)))
	return Tokens{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		TokenType:        TokenType,
		ExpiresIn:        int64(s.codec.AccessTTL().Seconds()),
		refreshExpiresIn: int64(s.sessions.Lifetime().Seconds()),
	}, user, nil
}

// Register creates an active principal with an unverified email, grants it
// the default role and queues a verification email. Self-registration never
// creates superusers. Role and mail failures are logged; the account stands.
func (s *Service) Register(ctx context.Context, in Registration) (*users.User, error) {
	username := users.NormalizeUsername(in.Username)
	email := users.NormalizeEmail(in.Email)
	if username == "" || email == "" {
		return nil, fmt.Errorf("%w: username and email required", users.ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Create(ctx, users.User{
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		IsActive:     true,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("principal registered", slog.Int64("principal_id", user.ID))

	if s.roles != nil {
		if err := s.roles.AssignRoleByName(ctx, user.ID, user.ID, DefaultRole); err != nil {
			level := slog.LevelError
			if errors.Is(err, shared.ErrNotFound) {
				level = slog.LevelWarn
			}
			s.logger.Log(ctx, level, "default role not assigned",
				slog.Int64("principal_id", user.ID), slog.String("role", DefaultRole), slog.Any("error", err))
		}
	}
	if err := s.SendVerification(ctx, user); err != nil {
		s.logger.Error("verification email not queued", slog.Int64("principal_id", user.ID), slog.Any("error", err))
	}
	return user, nil
}

// Refresh exchanges a live refresh credential for a new access credential.
// The refresh credential itself is unchanged.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	claims, err := s.codec.DecodeRefresh(refreshToken)
	if err != nil {
		return Tokens{}, err
	}
	rec, err := s.sessions.Lookup(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Tokens{}, shared.ErrInvalidCredentials
		}
		return Tokens{}, err
	}
	user, err := s.users.FindByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Tokens{}, shared.ErrInvalidCredentials
		}
		return Tokens{}, err
	}
	if !user.IsActive || user.ID != rec.PrincipalID {
		return Tokens{}, shared.ErrInvalidCredentials
	}
	access, err := s.codec.IssueAccess(user.Username, 0)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken: access.Token,
		TokenType:   TokenType,
		ExpiresIn:   int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the session behind refreshToken. An absent token is a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	_, err := s.sessions.Revoke(ctx, refreshToken)
	return err
}

// Devices lists the principal's active sessions, newest first.
func (s *Service) Devices(ctx context.Context, principalID int64) ([]session.Record, error) {
	return s.sessions.ListActive(ctx, principalID)
}

// RevokeDevice revokes one of the principal's sessions by durable id.
func (s *Service) RevokeDevice(ctx context.Context, principalID, id int64) error {
	return s.sessions.RevokeDevice(ctx, principalID, id)
}

// RevokeAll revokes every session of the principal.
func (s *Service) RevokeAll(ctx context.Context, principalID int64) (int, error) {
	return s.sessions.RevokeAll(ctx, principalID)
}

// Profile returns the principal's stored record.
func (s *Service) Profile(ctx context.Context, principalID int64) (*users.User, error) {
	return s.users.FindByID(ctx, principalID)
}

// ForgotPassword mails a reset link when email belongs to an active
// principal. It never reports whether the address is registered.
func (s *Service) ForgotPassword(ctx context.Context, email string) {
	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		s.logger.Info("password reset requested for unknown email")
		return
	case err != nil:
		s.logger.Error("password reset lookup failed", slog.Any("error", err))
		return
	case !user.IsActive:
		s.logger.Info("password reset requested for inactive principal", slog.Int64("principal_id", user.ID))
		return
	}
	token, err := s.codec.IssuePurposeToken(credential.PurposePasswordReset, user.Username,
		credential.Extra{UserID: user.ID, Email: user.Email}, 0)
	if err != nil {
		s.logger.Error("issue reset token failed", slog.Any("error", err))
		return
	}
	body := fmt.Sprintf("Hello %s,\n\nReset your password within %s:\n%s\n",
		user.Username, credential.PasswordResetTTL, s.link("/reset-password", token.Token))
	if err := s.send(ctx, user.Email, "Reset your password", body); err != nil {
		s.logger.Error("queue reset email failed", slog.Int64("principal_id", user.ID), slog.Any("error", err))
	}
}

// ResetPassword sets a new password from a reset token and signs the
// principal out everywhere.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	user, err := s.principalFromLink(ctx, token, credential.PurposePasswordReset)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	s.revokeAfterPasswordChange(ctx, user.ID)
	return nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session.
func (s *Service) ChangePassword(ctx context.Context, principalID int64, current, next string) error {
	user, err := s.users.FindByID(ctx, principalID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return ErrWrongPassword
	}
	if err := s.setPassword(ctx, user.ID, next); err != nil {
		return err
	}
	s.revokeAfterPasswordChange(ctx, user.ID)
	return nil
}

// VerifyEmail marks the address in a verification token as verified. It
// reports whether the address had already been verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (bool, error) {
	user, err := s.principalFromLink(ctx, token, credential.PurposeEmailVerification)
	if err != nil {
		return false, err
	}
	if user.EmailVerified {
		return true, nil
	}
	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return false, err
	}
	s.logger.Info("email verified", slog.Int64("principal_id", user.ID))
	return false, nil
}

// ResendVerification queues a fresh verification email. It reports false
// when the address is already verified.
func (s *Service) ResendVerification(ctx context.Context, principalID int64) (bool, error) {
	user, err := s.users.FindByID(ctx, principalID)
	if err != nil {
		return false, err
	}
	if user.EmailVerified {
		return false, nil
	}
	if err := s.SendVerification(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

// SendVerification queues a verification email for user.
func (s *Service) SendVerification(ctx context.Context, user *users.User) error {
	token, err := s.codec.IssuePurposeToken(credential.PurposeEmailVerification, user.Username,
		credential.Extra{UserID: user.ID, Email: user.Email}, 0)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Hello %s,\n\nConfirm your email address within %s:\n%s\n",
		user.Username, credential.EmailVerificationTTL, s.link("/verify-email", token.Token))
	return s.send(ctx, user.Email, "Verify your email address", body)
}

func (s *Service) principalFromLink(ctx context.Context, token string, purpose credential.Purpose) (*users.User, error) {
	claims, err := s.codec.DecodePurpose(token, purpose)
	if err != nil || claims.UserID == 0 || claims.Email == "" {
		return nil, ErrInvalidLink
	}
	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if users.NormalizeEmail(user.Email) != users.NormalizeEmail(claims.Email) {
		s.logger.Warn("purpose token email mismatch",
			slog.Int64("principal_id", user.ID),
			slog.String("purpose", string(purpose)))
		return nil, ErrEmailMismatch
	}
	return user, nil
}

func (s *Service) setPassword(ctx context.Context, principalID int64, plain string) error {
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return err
	}
	return s.users.UpdatePasswordHash(ctx, principalID, hash)
}

func (s *Service) revokeAfterPasswordChange(ctx context.Context, principalID int64) {
	n, err := s.sessions.RevokeAll(ctx, principalID)
	if err != nil {
		s.logger.Error("revoke sessions after password change failed",
			slog.Int64("principal_id", principalID), slog.Any("error", err))
		return
	}
	s.logger.Info("password changed", slog.Int64("principal_id", principalID), slog.Int("revoked", n))
}

func (s *Service) link(path, token string) string {
	return s.baseURL + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) send(ctx context.Context, to, subject, body string) error {
	if s.mailer == nil {
		return errors.New("auth: mailer not configured")
	}
	return s.mailer.SendMail(ctx, to, subject, body)
}
