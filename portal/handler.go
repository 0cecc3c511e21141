package portal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/innhopp/portal/access"
	"github.com/innhopp/portal/httpx"
	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/rbac"
)

// MaxWait caps the wait parameter of the access route.
const MaxWait = 10 * time.Second

// Handler exposes the browsing context's session state to the frontend.
type Handler struct {
	registry *Registry
	guard    *Guard
	log      zerolog.Logger
}

// NewHandler creates a session state handler.
func NewHandler(registry *Registry, guard *Guard, log zerolog.Logger) *Handler {
	if guard == nil {
		guard = NewGuard()
	}
	return &Handler{registry: registry, guard: guard, log: log}
}

// Routes registers the session routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.session)
	r.Get("/access", h.access)
	r.Post("/retry", h.retry)
	r.Post("/invalidate", h.invalidate)
	return r
}

type sessionView struct {
	Authenticated      bool                   `json:"authenticated"`
	Loading            bool                   `json:"loading"`
	Stage              access.Stage           `json:"stage"`
	TimedOut           bool                   `json:"timed_out"`
	Errored            bool                   `json:"errored"`
	Error              string                 `json:"error,omitempty"`
	Identity           *identity.Identity     `json:"identity"`
	Roles              []string               `json:"roles"`
	IsAdmin            bool                   `json:"is_admin"`
	IsModerator        bool                   `json:"is_moderator"`
	PermissionsSettled bool                   `json:"permissions_settled"`
	Permissions        []rbac.PermissionEntry `json:"permissions"`
}

func viewOf(snap access.Snapshot) sessionView {
	v := sessionView{
		Authenticated:      snap.Authenticated,
		Loading:            snap.Loading,
		Stage:              snap.Stage,
		TimedOut:           snap.TimedOut,
		Errored:            snap.Errored,
		Identity:           snap.Identity,
		Roles:              snap.Roles.Strings(),
		IsAdmin:            snap.IsAdmin(),
		IsModerator:        snap.IsModerator(),
		PermissionsSettled: snap.PermissionsSettled,
		Permissions:        snap.Permissions,
	}
	if snap.Errored {
		v.Error = ErrorMessage
	}
	if v.Roles == nil {
		v.Roles = []string{}
	}
	if v.Permissions == nil {
		v.Permissions = []rbac.PermissionEntry{}
	}
	return v
}

func (h *Handler) context(w http.ResponseWriter, r *http.Request) (*BrowsingContext, bool) {
	bc, err := h.registry.Acquire(w, r)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "service shutting down")
		return nil, false
	}
	return bc, true
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	bc, ok := h.context(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(bc.access.Snapshot()))
}

func (h *Handler) access(w http.ResponseWriter, r *http.Request) {
	bc, ok := h.context(w, r)
	if !ok {
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" || !strings.HasPrefix(path, "/") {
		httpx.Error(w, http.StatusBadRequest, "path must start with /")
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid wait duration")
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		_, err := bc.access.Wait(ctx, func(s access.Snapshot) bool {
			return h.guard.Evaluate(s, path).Settled()
		})
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			h.log.Debug().Err(err).Str("browsing_context", bc.id).Msg("access wait ended")
		}
	}

	verdict := h.guard.Check(bc, path)
	httpx.WriteJSON(w, verdict.Status(), verdict)
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("invalid duration")
	}
	return min(d, MaxWait), nil
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	bc, ok := h.context(w, r)
	if !ok {
		return
	}
	if err := bc.access.RetryLoading(); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	bc, ok := h.context(w, r)
	if !ok {
		return
	}
	if err := bc.access.InvalidateCache(); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}
