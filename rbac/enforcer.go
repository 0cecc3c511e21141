package rbac

import (
	"net/http"

	"github.com/innhopp/portal/httpx"
)

// RoleResolver extracts the resolved roles for the current request.
// ok is false while the caller's roles are still being resolved.
type RoleResolver func(r *http.Request) (roles Roles, ok bool)

// Enforcer coordinates tier checks for HTTP handlers.
type Enforcer struct {
	resolve RoleResolver
}

// NewEnforcer constructs an enforcer with the provided resolver.
func NewEnforcer(resolver RoleResolver) *Enforcer {
	return &Enforcer{resolve: resolver}
}

// Authorize admits callers holding at least one of the listed roles.
// Administrators always pass. Callers without roles get 401, callers whose
// roles are still loading get 503 with a Retry-After hint.
func (e *Enforcer) Authorize(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, ok := e.resolve(r)
			if !ok {
				w.Header().Set("Retry-After", "1")
				httpx.Error(w, http.StatusServiceUnavailable, "session is still loading")
				return
			}

			if len(roles) == 0 {
				httpx.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if roles.IsAdmin() || hasIntersection(roles, allowed) {
				next.ServeHTTP(w, r)
				return
			}

			httpx.Error(w, http.StatusForbidden, "insufficient role membership")
		})
	}
}
