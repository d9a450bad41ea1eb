package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-auth/internal/rbac"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

var (
	// ErrInvalidInput wraps user input failures.
	ErrInvalidInput = errors.New("users: invalid input")
	// ErrProtectedPrincipal is returned when a non-superuser edits a principal
	// holding the wildcard.
	ErrProtectedPrincipal = errors.New("users: principal protected")
)

// AccessControl is the permission engine kept in sync with account state.
type AccessControl interface {
	Resolve(ctx context.Context, p rbac.Principal) (rbac.PermissionSet, error)
	Invalidate(ctx context.Context, principalID int64) error
}

// SessionRevoker ends every session of a principal.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID int64) (int, error)
}

// CreateInput captures the fields for a new user.
type CreateInput struct {
	Username    string
	Email       string
	FullName    string
	Password    string
	IsSuperuser bool
}

// Service handles user business logic.
type Service struct {
	repo   Repository
	hasher Hasher
	audit  shared.AuditRecorder
	logger *slog.Logger

	access   AccessControl
	sessions SessionRevoker
}

// NewService builds Service instance.
func NewService(repo Repository, hasher Hasher, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, hasher: hasher, audit: audit, logger: logger}
}

// WithAccessControl attaches the permission cache and session store that
// account updates must keep consistent.
func (s *Service) WithAccessControl(access AccessControl, sessions SessionRevoker) *Service {
	s.access = access
	s.sessions = sessions
	return s
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Get returns the user with the given id.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

// Create registers a new active user. New accounts start with an unverified email.
func (s *Service) Create(ctx context.Context, actorID int64, in CreateInput) (*User, error) {
	username := NormalizeUsername(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidInput)
	}
	email := NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, "<> ") {
		return nil, fmt.Errorf("%w: email invalid", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.Create(ctx, User{
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  in.IsSuperuser,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "user.create",
		Entity:   "user",
		EntityID: strconv.FormatInt(user.ID, 10),
		Meta:     map[string]any{"username": user.Username, "superuser": user.IsSuperuser},
	})
	return user, nil
}

// UpdateInput carries the mutable account fields. Nil fields are unchanged.
type UpdateInput struct {
	Email    *string
	FullName *string
	IsActive *bool
}

// Update edits an account. Only superusers may edit superusers or holders of
// a super-admin role. Changing the active flag drops the cached permission
// set; deactivation also ends every session.
func (s *Service) Update(ctx context.Context, actor *shared.Identity, id int64, in UpdateInput) (*User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor == nil || !actor.IsSuperUser() {
		protected, err := s.protected(ctx, user)
		if err != nil {
			return nil, err
		}
		if protected {
			return nil, ErrProtectedPrincipal
		}
	}

	next := *user
	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, "<> ") {
			return nil, fmt.Errorf("%w: email invalid", ErrInvalidInput)
		}
		next.Email = email
	}
	if in.FullName != nil {
		next.FullName = strings.TrimSpace(*in.FullName)
	}
	if in.IsActive != nil {
		next.IsActive = *in.IsActive
	}
	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		return nil, err
	}

	if updated.IsActive != user.IsActive {
		if err := s.syncActive(ctx, updated); err != nil {
			return nil, err
		}
	}
	var actorID int64
	if actor != nil {
		actorID = actor.PrincipalID
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "user.update",
		Entity:   "user",
		EntityID: strconv.FormatInt(updated.ID, 10),
		Meta:     map[string]any{"email": updated.Email, "is_active": updated.IsActive},
	})
	return updated, nil
}

func (s *Service) protected(ctx context.Context, user *User) (bool, error) {
	if user.IsSuperuser {
		return true, nil
	}
	if s.access == nil {
		return false, nil
	}
	set, err := s.access.Resolve(ctx, user)
	if err != nil {
		return false, err
	}
	return set.IsWildcard(), nil
}

func (s *Service) syncActive(ctx context.Context, user *User) error {
	if s.access != nil {
		if err := s.access.Invalidate(ctx, user.ID); err != nil {
			return fmt.Errorf("users: update: %w", err)
		}
	}
	if user.IsActive || s.sessions == nil {
		return nil
	}
	revoked, err := s.sessions.RevokeAll(ctx, user.ID)
	if err != nil {
		// The binder rejects inactive principals on every request, so the
		// remaining sessions are unusable.
		s.logger.Warn("revoke sessions of deactivated user failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return nil
	}
	s.logger.Info("user deactivated", slog.Int64("user_id", user.ID), slog.Int("sessions_revoked", revoked))
	return nil
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}
