package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/innhopp/portal/httpx"
	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/internal/clock"
)

// ErrInvalidToken is returned for session tokens that fail verification.
var ErrInvalidToken = errors.New("auth: invalid session token")

// Claims is the caller identity embedded within a session token. The
// registered subject is the identity provider's subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the caller carried by the claims.
func (c *Claims) Identity() identity.Identity {
	return identity.Identity{ID: c.Subject, Email: c.Email, Name: c.Name}
}

type contextKey string

const claimsKey contextKey = "authClaims"

// SessionConfig configures session tokens.
type SessionConfig struct {
	Secret       string        `koanf:"secret" validate:"required,min=32"`
	CookieSecure bool          `koanf:"cookie_secure"`
	Lifetime     time.Duration `koanf:"lifetime" validate:"gt=0"`
	// IdleTTL is how long an untouched browsing context is kept.
	IdleTTL time.Duration `koanf:"idle_ttl" validate:"gt=0"`
}

// SessionManager encapsulates signing and verifying session tokens that are
// stored as HTTP cookies or bearer tokens.
type SessionManager struct {
	secret     []byte
	cookieName string
	lifetime   time.Duration
	secure     bool
	clock      clock.Clock
	parser     *jwt.Parser
}

// NewSessionManager constructs a session manager. The secret is required and
// should be randomly generated for production deployments.
func NewSessionManager(cfg SessionConfig, clk clock.Clock) (*SessionManager, error) {
	trimmed := strings.TrimSpace(cfg.Secret)
	if trimmed == "" {
		return nil, errors.New("session secret must be configured")
	}
	if clk == nil {
		clk = clock.Real()
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	return &SessionManager{
		secret:     []byte(trimmed),
		cookieName: "portal_session",
		lifetime:   lifetime,
		secure:     cfg.CookieSecure,
		clock:      clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(clk.Now),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// Issue signs a session for id and writes it to the response as a secure,
// HTTP only cookie. The raw token is returned so that API clients can
// persist it if necessary.
func (m *SessionManager) Issue(w http.ResponseWriter, id identity.Identity) (string, error) {
	now := m.clock.Now()
	expires := now.Add(m.lifetime)
	claims := &Claims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})
	return token, nil
}

// Clear removes the session cookie from the response.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// Verify parses and validates a raw session token.
func (m *SessionManager) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware attaches claims from the inbound session, if present. Invalid
// tokens are rejected with a 401 response.
func (m *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.extractToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.Verify(token)
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.Clear(w)
			httpx.Error(w, http.StatusUnauthorized, "session expired")
			return
		}
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func (m *SessionManager) extractToken(r *http.Request) string {
	if c, err := r.Cookie(m.cookieName); err == nil && c.Value != "" {
		return c.Value
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}

	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}

	return strings.TrimSpace(authz[len("bearer "):])
}

// ContextWithClaims returns ctx carrying claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext retrieves the active session claims, if any.
func FromContext(ctx context.Context) *Claims {
	if ctx == nil {
		return nil
	}
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// TokenFromRequest returns the raw session token the request carried.
func (m *SessionManager) TokenFromRequest(r *http.Request) string {
	return m.extractToken(r)
}
