package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// RoleSource loads the roles a principal holds, permissions included.
type RoleSource interface {
	RolesForPrincipal(ctx context.Context, principalID int64) ([]Role, error)
}

// Repository defines the durable RBAC catalog.
type Repository interface {
	RoleSource
	ListRoles(ctx context.Context) ([]Role, error)
	LoadRole(ctx context.Context, roleID int64) (Role, error)
	CreateRole(ctx context.Context, name, description string, superAdmin bool) (Role, error)
	DeleteRole(ctx context.Context, roleID int64) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, name, description string) (Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, names []string) error
	SetRoleSuperAdmin(ctx context.Context, roleID int64, superAdmin bool) error
	AssignRole(ctx context.Context, principalID, roleID int64) error
	RemoveRole(ctx context.Context, principalID, roleID int64) error
	SetPrincipalSuperuser(ctx context.Context, principalID int64, superuser bool) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RolesForPrincipal returns the principal's roles with their permissions.
func (r *PGRepository) RolesForPrincipal(ctx context.Context, principalID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.name, r.description, r.is_super_admin, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.id`, principalID)
	if err != nil {
		return nil, db.Classify("rbac: roles for principal", err)
	}
	roles, err := collectRoles(rows)
	if err != nil {
		return nil, db.Classify("rbac: roles for principal", err)
	}
	if err := r.attachPermissions(ctx, roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListRoles returns all roles with their permissions, ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, is_super_admin, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, db.Classify("rbac: list roles", err)
	}
	roles, err := collectRoles(rows)
	if err != nil {
		return nil, db.Classify("rbac: list roles", err)
	}
	if err := r.attachPermissions(ctx, roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// LoadRole fetches a role with its permissions and its member list.
func (r *PGRepository) LoadRole(ctx context.Context, roleID int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, name, description, is_super_admin, created_at, updated_at
		FROM roles WHERE id = $1`, roleID).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSuperAdmin, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, db.Classify("rbac: load role", err)
	}
	roles := []Role{role}
	if err := r.attachPermissions(ctx, roles); err != nil {
		return Role{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return Role{}, db.Classify("rbac: load role members", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return Role{}, db.Classify("rbac: load role members", err)
	}
	return roles[0].WithMembers(members), nil
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string, superAdmin bool) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `INSERT INTO roles (name, description, is_super_admin)
		VALUES ($1, $2, $3)
		RETURNING id, name, description, is_super_admin, created_at, updated_at`,
		name, description, superAdmin).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsSuperAdmin, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, db.Classify("rbac: create role", err)
	}
	return role, nil
}

// DeleteRole removes a role. Memberships and grants cascade.
func (r *PGRepository) DeleteRole(ctx context.Context, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return db.Classify("rbac: delete role", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListPermissions returns all permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, db.Classify("rbac: list permissions", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, db.Classify("rbac: list permissions", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify("rbac: list permissions", err)
	}
	return perms, nil
}

// EnsurePermission upserts a permission ensuring description is stored.
func (r *PGRepository) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	resource, action, _ := strings.Cut(name, ":")
	var p Permission
	err := r.pool.QueryRow(ctx, `INSERT INTO permissions (name, resource, action, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id, name, description`, name, resource, action, description).
		Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return Permission{}, db.Classify("rbac: ensure permission", err)
	}
	return p, nil
}

// SetRolePermissions replaces the role's permission set. Unknown names fail
// the whole change with shared.ErrNotFound.
func (r *PGRepository) SetRolePermissions(ctx context.Context, roleID int64, names []string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		var known int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM permissions WHERE name = ANY($1)`, names).Scan(&known); err != nil {
			return db.Classify("rbac: count permissions", err)
		}
		if known != len(names) {
			return fmt.Errorf("rbac: set role permissions: unknown permission: %w", shared.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions
			WHERE role_id = $1
			  AND permission_id NOT IN (SELECT id FROM permissions WHERE name = ANY($2))`, roleID, names); err != nil {
			return db.Classify("rbac: detach permissions", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
			SELECT $1, id FROM permissions WHERE name = ANY($2)
			ON CONFLICT DO NOTHING`, roleID, names); err != nil {
			return db.Classify("rbac: attach permissions", err)
		}
		_, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return db.Classify("rbac: touch role", err)
	})
}

// SetRoleSuperAdmin flips the role's super-admin flag.
func (r *PGRepository) SetRoleSuperAdmin(ctx context.Context, roleID int64, superAdmin bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET is_super_admin = $2, updated_at = NOW() WHERE id = $1`, roleID, superAdmin)
	if err != nil {
		return db.Classify("rbac: set super admin", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AssignRole assigns a role to the given principal.
func (r *PGRepository) AssignRole(ctx context.Context, principalID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, principalID, roleID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return shared.ErrNotFound
		}
		return db.Classify("rbac: assign role", err)
	}
	return nil
}

// RemoveRole removes a role from a principal.
func (r *PGRepository) RemoveRole(ctx context.Context, principalID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, principalID, roleID)
	if err != nil {
		return db.Classify("rbac: remove role", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetPrincipalSuperuser flips the principal's superuser flag.
func (r *PGRepository) SetPrincipalSuperuser(ctx context.Context, principalID int64, superuser bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET is_superuser = $2, updated_at = NOW() WHERE id = $1`, principalID, superuser)
	if err != nil {
		return db.Classify("rbac: set superuser", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) attachPermissions(ctx context.Context, roles []Role) error {
	if len(roles) == 0 {
		return nil
	}
	ids := make([]int64, len(roles))
	index := make(map[int64]int, len(roles))
	for i, role := range roles {
		ids[i] = role.ID
		index[role.ID] = i
	}
	rows, err := r.pool.Query(ctx, `SELECT rp.role_id, p.id, p.name, p.description
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
		ORDER BY p.name`, ids)
	if err != nil {
		return db.Classify("rbac: load permissions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roleID int64
			p      Permission
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.Description); err != nil {
			return db.Classify("rbac: load permissions", err)
		}
		i := index[roleID]
		roles[i].Permissions = append(roles[i].Permissions, p)
	}
	if err := rows.Err(); err != nil {
		return db.Classify("rbac: load permissions", err)
	}
	return nil
}

func lockRole(ctx context.Context, tx pgx.Tx, roleID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&id)
	return db.Classify("rbac: lock role", err)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSuperAdmin, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

var _ Repository = (*PGRepository)(nil)
