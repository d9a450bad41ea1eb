package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-auth/internal/identity"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-auth/internal/rbac"
	"github.com/odyssey-erp/odyssey-auth/internal/session"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
	"github.com/odyssey-erp/odyssey-auth/internal/users"
)

// RefreshCookie carries the refresh credential for browser clients.
const RefreshCookie = "refresh_token"

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	CookieSecure bool
	// LoginRateLimit caps login attempts per client address per minute. Zero disables it.
	LoginRateLimit int
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *rbac.Resolver
	cfg       HandlerConfig
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, resolver *rbac.Resolver, cfg HandlerConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		cfg:       cfg,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	login := r
	if h.cfg.LoginRateLimit > 0 {
		login = r.With(httprate.Limit(h.cfg.LoginRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	login.Post("/login", h.handleLogin)
	login.Post("/register", h.handleRegister)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/logout", h.handleLogout)
	r.Post("/password/forgot", h.handleForgotPassword)
	r.Post("/password/reset", h.handleResetPassword)
	r.Post("/verify-email", h.handleVerifyEmail)

	r.Group(func(r chi.Router) {
		r.Use(identity.Require)
		r.Get("/devices", h.handleDevices)
		r.Delete("/devices/{deviceID}", h.handleRevokeDevice)
		r.Post("/devices/revoke-all", h.handleRevokeAll)
		r.Post("/password/change", h.handleChangePassword)
		r.Post("/verify-email/resend", h.handleResendVerification)
	})
}

// MountProfileRoutes registers the bound principal's own endpoints.
func (h *Handler) MountProfileRoutes(r chi.Router) {
	r.Get("/", h.handleMe)
	r.Get("/permissions", h.handleMyPermissions)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"full_name" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type deviceResponse struct {
	ID         int64     `json:"id"`
	DeviceName string    `json:"device_name"`
	DeviceType string    `json:"device_type"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "username and password required")
			return
		}
	} else if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	device := session.NewDevice(r.UserAgent(), clientIP(r))
	tokens, _, err := h.service.Login(r.Context(), req.Username, req.Password, device)
	if err != nil {
		h.respondError(w, "login", err)
		return
	}
	h.setCookie(w, identity.AccessCookie, tokens.AccessToken, tokens.ExpiresIn)
	h.setCookie(w, RefreshCookie, tokens.RefreshToken, tokens.refreshExpiresIn)
	httpx.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.Register(r.Context(), Registration{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
	})
	if err != nil {
		h.respondError(w, "register", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, users.ToResponse(user))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := refreshTokenFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if token == "" {
		httpx.Unauthorized(w)
		return
	}
	tokens, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		h.respondError(w, "refresh", err)
		return
	}
	h.setCookie(w, identity.AccessCookie, tokens.AccessToken, tokens.ExpiresIn)
	httpx.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := refreshTokenFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Logout(r.Context(), token); err != nil {
		h.respondError(w, "logout", err)
		return
	}
	h.clearCookie(w, identity.AccessCookie)
	h.clearCookie(w, RefreshCookie)
	httpx.JSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	records, err := h.service.Devices(r.Context(), id.PrincipalID)
	if err != nil {
		h.respondError(w, "list devices", err)
		return
	}
	devices := make([]deviceResponse, 0, len(records))
	for _, rec := range records {
		devices = append(devices, deviceResponse{
			ID:         rec.ID,
			DeviceName: rec.Device.Name,
			DeviceType: string(rec.Device.Class),
			IPAddress:  rec.Device.IP,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			Revoked:    rec.Revoked,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"devices": devices, "total": len(devices)})
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "deviceID"), 10, 64)
	if err != nil || deviceID <= 0 {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	id := shared.IdentityFromContext(r.Context())
	if err := h.service.RevokeDevice(r.Context(), id.PrincipalID, deviceID); err != nil {
		h.respondError(w, "revoke device", err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: "device revoked"})
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	n, err := h.service.RevokeAll(r.Context(), id.PrincipalID)
	if err != nil {
		h.respondError(w, "revoke all", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"message": "sessions revoked", "revoked": n})
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.service.ForgotPassword(r.Context(), req.Email)
	httpx.JSON(w, http.StatusOK, messageResponse{Message: "if the address is registered, a reset email has been sent"})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.respondError(w, "reset password", err)
		return
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: "password reset, sign in with the new password"})
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id := shared.IdentityFromContext(r.Context())
	if err := h.service.ChangePassword(r.Context(), id.PrincipalID, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondError(w, "change password", err)
		return
	}
	h.clearCookie(w, identity.AccessCookie)
	h.clearCookie(w, RefreshCookie)
	httpx.JSON(w, http.StatusOK, messageResponse{Message: "password changed, sign in again"})
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.DecodeValid(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	already, err := h.service.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		h.respondError(w, "verify email", err)
		return
	}
	msg := "email verified"
	if already {
		msg = "email already verified"
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	sent, err := h.service.ResendVerification(r.Context(), id.PrincipalID)
	if err != nil {
		h.respondError(w, "resend verification", err)
		return
	}
	msg := "verification email sent"
	if !sent {
		msg = "email already verified"
	}
	httpx.JSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	if id == nil {
		httpx.Unauthorized(w)
		return
	}
	user, err := h.service.Profile(r.Context(), id.PrincipalID)
	if err != nil {
		h.respondError(w, "profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, users.ToResponse(user))
}

func (h *Handler) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	if id == nil {
		httpx.Unauthorized(w)
		return
	}
	set, err := h.resolver.Resolve(r.Context(), id)
	if err != nil {
		h.respondError(w, "resolve permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permissions":  set.Names(),
		"is_superuser": id.IsSuperuser,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidLink), errors.Is(err, ErrEmailMismatch),
		errors.Is(err, ErrWrongPassword), errors.Is(err, users.ErrWeakPassword),
		errors.Is(err, session.ErrAlreadyRevoked), errors.Is(err, users.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	case db.IsUniqueViolation(err):
		httpx.Problem(w, http.StatusConflict, "Conflict", "username or email already registered")
		return
	case errors.Is(err, shared.ErrInvalidCredentials),
		errors.Is(err, shared.ErrInactivePrincipal),
		errors.Is(err, shared.ErrNotFound):
	case errors.Is(err, shared.ErrStoreUnavailable):
		h.logger.Warn("auth "+op+" store unavailable", slog.Any("error", err))
	default:
		h.logger.Error("auth "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// refreshTokenFrom reads the refresh credential from the JSON body, falling
// back to the cookie.
func refreshTokenFrom(r *http.Request) (string, error) {
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return "", err
	}
	if token := strings.TrimSpace(req.RefreshToken); token != "" {
		return token, nil
	}
	return cookieValue(r, RefreshCookie), nil
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func isForm(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
