package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

// Handler exposes catalog management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("roles:read", "roles:manage"))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{roleID}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("permissions:read", "permissions:manage"))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission("roles:manage"))
		r.Post("/roles", h.createRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Put("/roles/{roleID}/permissions", h.setRolePermissions)
	})
	// Membership and wildcard flags are superuser-only.
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireSuperuser())
		r.Put("/roles/{roleID}/super-admin", h.setRoleSuperAdmin)
		r.Put("/principals/{principalID}/roles/{roleID}", h.assignRole)
		r.Delete("/principals/{principalID}/roles/{roleID}", h.removeRole)
		r.Put("/principals/{principalID}/superuser", h.setSuperuser)
	})
}

type roleResponse struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	IsSuperAdmin bool     `json:"is_super_admin"`
	Permissions  []string `json:"permissions"`
	Members      []int64  `json:"members,omitempty"`
}

func toRoleResponse(role Role) roleResponse {
	members, _ := role.Members()
	return roleResponse{
		ID:           role.ID,
		Name:         role.Name,
		Description:  role.Description,
		IsSuperAdmin: role.IsSuperAdmin,
		Permissions:  role.PermissionNames(),
		Members:      members,
	}
}

type createRoleRequest struct {
	Name         string `json:"name" validate:"required,max=50"`
	Description  string `json:"description" validate:"max=255"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required,max=100"`
}

type flagRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, "list permissions", err)
		return
	}
	type permissionResponse struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.IsSuperAdmin && !callerIsSuperuser(r) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	role, err := h.service.CreateRole(r.Context(), actorID(r), req.Name, req.Description, req.IsSuperAdmin)
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !callerIsSuperuser(r) {
		role, err := h.service.GetRole(r.Context(), roleID)
		if err != nil {
			h.respondError(w, "delete role", err)
			return
		}
		if role.IsSuperAdmin {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
	}
	if err := h.service.DeleteRole(r.Context(), actorID(r), roleID); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), actorID(r), roleID, req.Permissions); err != nil {
		h.respondError(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRoleSuperAdmin(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req flagRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetRoleSuperAdmin(r.Context(), actorID(r), roleID, *req.Enabled); err != nil {
		h.respondError(w, "set role super admin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	principalID, roleID, err := principalAndRole(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.AssignRole(r.Context(), actorID(r), principalID, roleID); err != nil {
		h.respondError(w, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	principalID, roleID, err := principalAndRole(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RemoveRole(r.Context(), actorID(r), principalID, roleID); err != nil {
		h.respondError(w, "remove role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setSuperuser(w http.ResponseWriter, r *http.Request) {
	principalID, err := pathID(r, "principalID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req flagRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetSuperuser(r.Context(), actorID(r), principalID, *req.Enabled); err != nil {
		h.respondError(w, "set superuser", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNameRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	case db.IsUniqueViolation(err):
		httpx.Problem(w, http.StatusConflict, "Conflict", "")
		return
	case errors.Is(err, shared.ErrNotFound):
	default:
		h.logger.Error("rbac "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorID(r *http.Request) int64 {
	if id := shared.IdentityFromContext(r.Context()); id != nil {
		return id.PrincipalID
	}
	return 0
}

func callerIsSuperuser(r *http.Request) bool {
	id := shared.IdentityFromContext(r.Context())
	return id != nil && id.IsSuperUser()
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.ErrValidation
	}
	return id, nil
}

func principalAndRole(r *http.Request) (int64, int64, error) {
	principalID, err := pathID(r, "principalID")
	if err != nil {
		return 0, 0, err
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		return 0, 0, err
	}
	return principalID, roleID, nil
}
