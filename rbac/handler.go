package rbac

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/innhopp/portal/httpx"
)

// AdminStore is the persistence used by the administration screens.
type AdminStore interface {
	RolesFor(ctx context.Context, subject string) (Roles, error)
	AssignRoles(ctx context.Context, subject string, roles Roles) error
	ListPermissions(ctx context.Context) ([]RolePermission, error)
	SetPermission(ctx context.Context, rp RolePermission) error
	DeletePermission(ctx context.Context, role Role, route string) (bool, error)
}

// Hooks are called after a successful change so cached resolver results
// can be dropped.
type Hooks struct {
	PermissionsChanged func()
	RolesChanged       func(subject string)
}

// Handler exposes role and permission administration.
type Handler struct {
	store    AdminStore
	hooks    Hooks
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates an administration handler.
func NewHandler(store AdminStore, hooks Hooks, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		hooks:    hooks,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Routes registers the administration routes. Every route requires admin.
func (h *Handler) Routes(enforcer *Enforcer) chi.Router {
	r := chi.NewRouter()
	r.Use(enforcer.Authorize(RoleAdmin))
	r.Get("/permissions", h.listPermissions)
	r.Put("/permissions", h.setPermission)
	r.Delete("/permissions", h.deletePermission)
	r.Get("/accounts/{subject}/roles", h.getRoles)
	r.Put("/accounts/{subject}/roles", h.putRoles)
	return r
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListPermissions(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list permissions")
		httpx.Error(w, http.StatusInternalServerError, "failed to list permissions")
		return
	}
	if entries == nil {
		entries = []RolePermission{}
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}

type permissionPayload struct {
	Role   string `json:"role" validate:"required,oneof=admin moderator user"`
	Route  string `json:"route" validate:"required,startswith=/,max=256"`
	Screen string `json:"screen" validate:"max=128"`
	Allow  *bool  `json:"allow" validate:"required"`
}

func (h *Handler) setPermission(w http.ResponseWriter, r *http.Request) {
	var payload permissionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "role, route and allow are required")
		return
	}

	role, _ := ParseRole(payload.Role)
	rp := RolePermission{
		Role: role,
		PermissionEntry: PermissionEntry{
			Route:  strings.TrimSpace(payload.Route),
			Screen: strings.TrimSpace(payload.Screen),
			Allow:  *payload.Allow,
		},
	}

	if err := h.store.SetPermission(r.Context(), rp); err != nil {
		h.log.Error().Err(err).Str("role", string(role)).Str("route", rp.Route).Msg("set permission")
		httpx.Error(w, http.StatusInternalServerError, "failed to save permission")
		return
	}

	h.permissionsChanged()
	httpx.WriteJSON(w, http.StatusOK, rp)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	role, ok := ParseRole(r.URL.Query().Get("role"))
	route := strings.TrimSpace(r.URL.Query().Get("route"))
	if !ok || route == "" {
		httpx.Error(w, http.StatusBadRequest, "role and route are required")
		return
	}

	existed, err := h.store.DeletePermission(r.Context(), role, route)
	if err != nil {
		h.log.Error().Err(err).Str("role", string(role)).Str("route", route).Msg("delete permission")
		httpx.Error(w, http.StatusInternalServerError, "failed to delete permission")
		return
	}
	if !existed {
		httpx.Error(w, http.StatusNotFound, "permission not found")
		return
	}

	h.permissionsChanged()
	httpx.NoContent(w)
}

type rolesPayload struct {
	Roles []string `json:"roles" validate:"dive,oneof=admin moderator user"`
}

type rolesResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

func (h *Handler) getRoles(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	roles, err := h.store.RolesFor(r.Context(), subject)
	if err != nil {
		h.log.Error().Err(err).Str("subject", subject).Msg("load roles")
		httpx.Error(w, http.StatusInternalServerError, "failed to load roles")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rolesResponse{Subject: subject, Roles: roles.Strings()})
}

func (h *Handler) putRoles(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	var payload rolesPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Error(w, http.StatusBadRequest, "roles must be admin, moderator or user")
		return
	}

	roles := ParseRoles(payload.Roles)
	if err := h.store.AssignRoles(r.Context(), subject, roles); err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			httpx.Error(w, http.StatusNotFound, "account not found")
			return
		}
		h.log.Error().Err(err).Str("subject", subject).Msg("assign roles")
		httpx.Error(w, http.StatusInternalServerError, "failed to assign roles")
		return
	}

	if h.hooks.RolesChanged != nil {
		h.hooks.RolesChanged(subject)
	}
	httpx.WriteJSON(w, http.StatusOK, rolesResponse{Subject: subject, Roles: roles.Strings()})
}

func (h *Handler) permissionsChanged() {
	if h.hooks.PermissionsChanged != nil {
		h.hooks.PermissionsChanged()
	}
}
