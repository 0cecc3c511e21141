package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/innhopp/portal/httpx"
	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/internal/clock"
	"github.com/innhopp/portal/rbac"
)

// Config contains the OpenID Connect configuration required to perform the
// authorization code flow.
type Config struct {
	Issuer       string   `koanf:"issuer" validate:"omitempty,url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	RedirectURL  string   `koanf:"redirect_url" validate:"omitempty,url"`
	Scopes       []string `koanf:"scopes"`
}

// Enabled reports whether enough is configured to talk to a provider.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Issuer) != "" &&
		strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.RedirectURL) != ""
}

func (c Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeEmail}
	}
	return c.Scopes
}

// AccountStore persists callers the identity provider vouched for.
type AccountStore interface {
	UpsertAccount(ctx context.Context, account rbac.Account, defaultRole rbac.Role) error
}

// Transitions receives the identity changes the auth endpoints cause, so
// the caller's browsing context can emit them to its session machinery.
type Transitions interface {
	SignIn(w http.ResponseWriter, r *http.Request, session identity.Session)
	SignOut(r *http.Request)
	RefreshToken(r *http.Request, token string)
}

// Handler manages OAuth2/OIDC login and session lifecycle.
type Handler struct {
	sessions    *SessionManager
	states      *StateStore
	accounts    AccountStore
	transitions Transitions
	log         zerolog.Logger
	disabled    bool

	authURL  func(state, nonce string) string
	exchange func(ctx context.Context, code string) (*oidc.IDTokenClaims, error)
}

// NewHandler constructs an auth handler. When cfg is not Enabled the login
// endpoints answer 503 while logout and refresh keep working.
func NewHandler(ctx context.Context, sessions *SessionManager, accounts AccountStore, transitions Transitions, cfg Config, log zerolog.Logger) (*Handler, error) {
	h := &Handler{
		sessions:    sessions,
		states:      NewStateStore(10*time.Minute, clock.Real()),
		accounts:    accounts,
		transitions: transitions,
		log:         log,
	}

	if !cfg.Enabled() {
		h.disabled = true
		log.Warn().Msg("oidc not configured, login disabled")
		return h, nil
	}

	party, err := rp.NewRelyingPartyOIDC(ctx,
		cfg.Issuer,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.RedirectURL,
		cfg.scopes(),
		rp.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		rp.WithVerifierOpts(rp.WithNonce(nonceFromContext)),
	)
	if err != nil {
		return nil, fmt.Errorf("create relying party: %w", err)
	}

	h.authURL = func(state, nonce string) string {
		return rp.AuthURL(state, party, rp.AuthURLOpt(rp.WithURLParam("nonce", nonce)))
	}
	h.exchange = func(ctx context.Context, code string) (*oidc.IDTokenClaims, error) {
		tokens, err := rp.CodeExchange[*oidc.IDTokenClaims](ctx, code, party)
		if err != nil {
			return nil, err
		}
		if tokens.IDTokenClaims == nil {
			return nil, fmt.Errorf("token response carried no id token")
		}
		return tokens.IDTokenClaims, nil
	}
	return h, nil
}

type nonceKey struct{}

// contextWithNonce carries the nonce issued with the login state into the
// id token verifier.
func contextWithNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, nonceKey{}, nonce)
}

func nonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(nonceKey{}).(string)
	return nonce
}

// Routes exposes the auth endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/login", h.beginLogin)
		r.Get("/callback", h.handleCallback)
	})
	r.Post("/logout", h.logout)
	r.Post("/refresh", h.refresh)
	return r
}

type loginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

func (h *Handler) beginLogin(w http.ResponseWriter, r *http.Request) {
	if h.disabled {
		httpx.Error(w, http.StatusServiceUnavailable, "oidc not configured")
		return
	}

	state, nonce, err := h.states.Create(safeReturnTo(r.URL.Query().Get("return_to")))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create login state")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, loginResponse{AuthorizationURL: h.authURL(state, nonce)})
}

type sessionResponse struct {
	Subject  string `json:"subject"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token,omitempty"`
	ReturnTo string `json:"return_to"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.disabled {
		httpx.Error(w, http.StatusServiceUnavailable, "oidc not configured")
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httpx.Error(w, http.StatusBadRequest, "missing state or code")
		return
	}

	pending, ok := h.states.Verify(state)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid authorization state")
		return
	}

	claims, err := h.exchange(contextWithNonce(r.Context(), pending.Nonce), code)
	if err != nil {
		h.log.Error().Err(err).Msg("token exchange failed")
		httpx.Error(w, http.StatusBadGateway, "failed to exchange code")
		return
	}
	if claims.Nonce != pending.Nonce || claims.Subject == "" {
		h.log.Warn().Str("subject", claims.Subject).Msg("id token failed nonce or subject check")
		httpx.Error(w, http.StatusUnauthorized, "id token validation failed")
		return
	}

	caller := identity.Identity{
		ID:    claims.Subject,
		Email: strings.ToLower(claims.Email),
		Name:  claims.Name,
	}
	account := rbac.Account{Subject: caller.ID, Email: caller.Email, FullName: caller.Name}
	if err := h.accounts.UpsertAccount(r.Context(), account, rbac.RoleUser); err != nil {
		h.log.Error().Err(err).Str("subject", caller.ID).Msg("account upsert failed")
		httpx.Error(w, http.StatusInternalServerError, "failed to persist account")
		return
	}

	token, err := h.sessions.Issue(w, caller)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	h.transitions.SignIn(w, r, identity.Session{Identity: &caller, Token: token})
	h.log.Info().Str("subject", caller.ID).Msg("signed in")

	httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		Subject:  caller.ID,
		Email:    caller.Email,
		Name:     caller.Name,
		Token:    token,
		ReturnTo: pending.ReturnTo,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	h.transitions.SignOut(r)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	claims := FromContext(r.Context())
	if claims == nil {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	token, err := h.sessions.Issue(w, claims.Identity())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}
	h.transitions.RefreshToken(r, token)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// safeReturnTo keeps only same-origin absolute paths.
func safeReturnTo(raw string) string {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, "\\") {
		return "/"
	}
	return raw
}
