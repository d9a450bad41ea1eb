package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// ErrNameRequired is returned when a role or permission name is blank.
var ErrNameRequired = errors.New("rbac: name required")

// Service orchestrates RBAC catalog operations. Every mutation that changes
// a principal's effective permissions invalidates the affected cache entries
// before returning; an invalidation failure fails the operation.
type Service struct {
	repo     Repository
	resolver *Resolver
	audit    shared.AuditRecorder
	logger   *slog.Logger
}

// NewService constructs a Service. audit may be nil.
func NewService(repo Repository, resolver *Resolver, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, audit: audit, logger: logger}
}

// Resolver exposes the permission resolver backing the service.
func (s *Service) Resolver() *Resolver { return s.resolver }

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role with its permissions and members.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.LoadRole(ctx, id)
}

// CreateRole inserts a new role. A new role has no members, so nothing is
// invalidated.
func (s *Service) CreateRole(ctx context.Context, actorID int64, name, description string, superAdmin bool) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, ErrNameRequired
	}
	role, err := s.repo.CreateRole(ctx, name, strings.TrimSpace(description), superAdmin)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actorID, "role.create", "role", role.ID, map[string]any{"name": role.Name, "is_super_admin": superAdmin})
	return role, nil
}

// DeleteRole removes a role and invalidates every former member.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID int64) error {
	role, err := s.repo.LoadRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.resolver.InvalidateForRole(ctx, role); err != nil {
		return fmt.Errorf("rbac: delete role: %w", err)
	}
	s.record(ctx, actorID, "role.delete", "role", roleID, map[string]any{"name": role.Name})
	return nil
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	name = normalizePermission(name)
	if name == "" {
		return Permission{}, ErrNameRequired
	}
	return s.repo.EnsurePermission(ctx, name, strings.TrimSpace(description))
}

// SetRolePermissions replaces permissions for a role and invalidates every
// member of the role.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, names []string) error {
	normalized := normalizePermissions(names)
	if err := s.repo.SetRolePermissions(ctx, roleID, normalized); err != nil {
		return err
	}
	if err := s.invalidateRole(ctx, roleID); err != nil {
		return fmt.Errorf("rbac: set role permissions: %w", err)
	}
	s.record(ctx, actorID, "role.permissions.set", "role", roleID, map[string]any{"permissions": normalized})
	return nil
}

// SetRoleSuperAdmin toggles a role's super-admin flag and invalidates every
// member of the role.
func (s *Service) SetRoleSuperAdmin(ctx context.Context, actorID, roleID int64, superAdmin bool) error {
	if err := s.repo.SetRoleSuperAdmin(ctx, roleID, superAdmin); err != nil {
		return err
	}
	if err := s.invalidateRole(ctx, roleID); err != nil {
		return fmt.Errorf("rbac: set role super admin: %w", err)
	}
	s.record(ctx, actorID, "role.super_admin.set", "role", roleID, map[string]any{"is_super_admin": superAdmin})
	return nil
}

// AssignRole assigns a role to the given principal.
func (s *Service) AssignRole(ctx context.Context, actorID, principalID, roleID int64) error {
	if err := s.repo.AssignRole(ctx, principalID, roleID); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, principalID); err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	s.record(ctx, actorID, "principal.role.assign", "principal", principalID, map[string]any{"role_id": roleID})
	return nil
}

// AssignRoleByName assigns the role called name. It returns
// shared.ErrNotFound when no such role exists and refuses super-admin roles,
// which only superusers may hand out.
func (s *Service) AssignRoleByName(ctx context.Context, actorID, principalID int64, name string) error {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	for _, role := range roles {
		if role.Name == name {
			if role.IsSuperAdmin {
				return fmt.Errorf("rbac: role %q grants the wildcard: %w", name, shared.ErrInvariantViolation)
			}
			return s.AssignRole(ctx, actorID, principalID, role.ID)
		}
	}
	return fmt.Errorf("rbac: role %q: %w", name, shared.ErrNotFound)
}

// RemoveRole removes a role from a principal.
func (s *Service) RemoveRole(ctx context.Context, actorID, principalID, roleID int64) error {
	if err := s.repo.RemoveRole(ctx, principalID, roleID); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, principalID); err != nil {
		return fmt.Errorf("rbac: remove role: %w", err)
	}
	s.record(ctx, actorID, "principal.role.remove", "principal", principalID, map[string]any{"role_id": roleID})
	return nil
}

// SetSuperuser toggles a principal's superuser flag.
func (s *Service) SetSuperuser(ctx context.Context, actorID, principalID int64, superuser bool) error {
	if err := s.repo.SetPrincipalSuperuser(ctx, principalID, superuser); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, principalID); err != nil {
		return fmt.Errorf("rbac: set superuser: %w", err)
	}
	s.record(ctx, actorID, "principal.superuser.set", "principal", principalID, map[string]any{"is_superuser": superuser})
	return nil
}

// EffectivePermissions returns the sorted permission names of p.
func (s *Service) EffectivePermissions(ctx context.Context, p Principal) ([]string, error) {
	set, err := s.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return set.Names(), nil
}

// invalidateRole reloads the role with its members after the change so
// principals added concurrently are covered too.
func (s *Service) invalidateRole(ctx context.Context, roleID int64) error {
	role, err := s.repo.LoadRole(ctx, roleID)
	if err != nil {
		return err
	}
	return s.resolver.InvalidateForRole(ctx, role)
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("rbac audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}
