// Package portal binds the session machinery to HTTP: each browsing context
// (identified by a cookie) owns an identity broker and an access.Context,
// and route guard verdicts are computed from that context's snapshot.
package portal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/innhopp/portal/access"
	"github.com/innhopp/portal/auth"
	"github.com/innhopp/portal/httpx"
	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/internal/clock"
	"github.com/innhopp/portal/rbac"
	"github.com/innhopp/portal/resolve"
)

// ContextCookie names the browsing context cookie.
const ContextCookie = "portal_ctx"

// ErrRegistryClosed is returned once Close has run.
var ErrRegistryClosed = errors.New("portal: registry closed")

// Options tunes a Registry.
type Options struct {
	IdleTTL      time.Duration
	MaxContexts  int
	LoadTimeout  time.Duration
	PublicRoutes []string
	CookieSecure bool
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// BrowsingContext is one browser's session state.
type BrowsingContext struct {
	id     string
	broker *identity.Broker
	access *access.Context

	mu       sync.Mutex
	lastSeen time.Time
	// notified holds denied paths already reported for notifiedFor.
	notified    map[string]struct{}
	notifiedFor string
}

// ID returns the cookie value identifying the context.
func (b *BrowsingContext) ID() string { return b.id }

// Access returns the context's session state machine.
func (b *BrowsingContext) Access() *access.Context { return b.access }

// Broker returns the identity source feeding Access.
func (b *BrowsingContext) Broker() *identity.Broker { return b.broker }

// noteDenial reports whether a denial of path should raise a notification.
// Each path notifies once per identity; a different identity starts over.
func (b *BrowsingContext) noteDenial(identityID, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notifiedFor != identityID || b.notified == nil {
		b.notified = make(map[string]struct{})
		b.notifiedFor = identityID
	}
	if _, seen := b.notified[path]; seen {
		return false
	}
	b.notified[path] = struct{}{}
	return true
}

func (b *BrowsingContext) touch(now time.Time) {
	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
}

func (b *BrowsingContext) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Registry owns every live browsing context.
type Registry struct {
	sessions *auth.SessionManager
	roles    resolve.RoleResolver
	perms    resolve.PermissionResolver
	opts     Options
	log      zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	contexts map[string]*BrowsingContext
	closed   bool
}

var _ auth.Transitions = (*Registry)(nil)

// NewRegistry builds an empty registry.
func NewRegistry(sessions *auth.SessionManager, roles resolve.RoleResolver, perms resolve.PermissionResolver, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = 10000
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = access.DefaultLoadTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions: sessions,
		roles:    roles,
		perms:    perms,
		opts:     opts,
		log:      opts.Logger,
		base:     base,
		cancel:   cancel,
		contexts: make(map[string]*BrowsingContext),
	}
}

type registryKey struct{}

// FromContext returns the browsing context the Middleware attached.
func FromContext(ctx context.Context) *BrowsingContext {
	bc, _ := ctx.Value(registryKey{}).(*BrowsingContext)
	return bc
}

// Middleware attaches the caller's browsing context to the request. It must
// run after auth.SessionManager.Middleware so the verified claims are known.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		bc, err := r.Acquire(w, req)
		if err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "service shutting down")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), registryKey{}, bc)))
	})
}

// Acquire returns the request's browsing context, creating one (and its
// cookie) when the request carries none or an unknown one. An existing
// context is brought in line with the request's session token.
func (r *Registry) Acquire(w http.ResponseWriter, req *http.Request) (*BrowsingContext, error) {
	if bc := FromContext(req.Context()); bc != nil {
		return bc, nil
	}

	now := r.opts.Clock.Now()
	if c, err := req.Cookie(ContextCookie); err == nil && c.Value != "" {
		r.mu.Lock()
		bc, ok := r.contexts[c.Value]
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, ErrRegistryClosed
		}
		if ok {
			bc.touch(now)
			r.reconcile(bc, req)
			return bc, nil
		}
	}

	bc, err := r.create(r.requestSession(req), now)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ContextCookie,
		Value:    bc.id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return bc, nil
}

func (r *Registry) requestSession(req *http.Request) identity.Session {
	claims := auth.FromContext(req.Context())
	if claims == nil {
		return identity.Session{}
	}
	id := claims.Identity()
	return identity.Session{Identity: &id, Token: r.sessions.TokenFromRequest(req)}
}

// reconcile treats the verified session token as the provider's truth and
// emits whatever transition brings the broker in line with it.
func (r *Registry) reconcile(bc *BrowsingContext, req *http.Request) {
	want := r.requestSession(req)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	have := bc.broker.Session()
	switch {
	case want.Identity == nil && have.Identity != nil:
		bc.broker.SignOut()
	case want.Identity == nil:
	case have.Identity == nil || have.Identity.ID != want.Identity.ID:
		bc.broker.SignIn(*want.Identity, want.Token)
	case have.Token != want.Token:
		bc.broker.RefreshToken(want.Token)
	}
}

func (r *Registry) create(initial identity.Session, now time.Time) (*BrowsingContext, error) {
	id := uuid.NewString()
	broker := identity.NewBroker(initial)
	ac := access.New(broker, r.roles, r.perms,
		access.WithClock(r.opts.Clock),
		access.WithLoadTimeout(r.opts.LoadTimeout),
		access.WithPublicRoutes(r.opts.PublicRoutes),
		access.WithLogger(r.log.With().Str("browsing_context", id).Logger()),
	)
	bc := &BrowsingContext{id: id, broker: broker, access: ac, lastSeen: now}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	var evicted *BrowsingContext
	if len(r.contexts) >= r.opts.MaxContexts {
		evicted = r.oldestLocked()
		if evicted != nil {
			delete(r.contexts, evicted.id)
		}
	}
	r.contexts[id] = bc
	r.mu.Unlock()

	if evicted != nil {
		evicted.access.Close()
	}
	if err := ac.Start(r.base); err != nil {
		r.mu.Lock()
		delete(r.contexts, id)
		r.mu.Unlock()
		return nil, err
	}
	return bc, nil
}

func (r *Registry) oldestLocked() *BrowsingContext {
	var oldest *BrowsingContext
	for _, bc := range r.contexts {
		if oldest == nil || bc.idleSince().Before(oldest.idleSince()) {
			oldest = bc
		}
	}
	return oldest
}

// SignIn implements auth.Transitions.
func (r *Registry) SignIn(w http.ResponseWriter, req *http.Request, s identity.Session) {
	if s.Identity == nil {
		return
	}
	bc, err := r.Acquire(w, req)
	if err != nil {
		r.log.Warn().Err(err).Msg("no browsing context for sign-in")
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.broker.SignIn(*s.Identity, s.Token)
}

// SignOut implements auth.Transitions.
func (r *Registry) SignOut(req *http.Request) {
	if bc := r.lookup(req); bc != nil {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		bc.broker.SignOut()
	}
}

// RefreshToken implements auth.Transitions.
func (r *Registry) RefreshToken(req *http.Request, token string) {
	if bc := r.lookup(req); bc != nil {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		bc.broker.RefreshToken(token)
	}
}

func (r *Registry) lookup(req *http.Request) *BrowsingContext {
	if bc := FromContext(req.Context()); bc != nil {
		return bc
	}
	c, err := req.Cookie(ContextCookie)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[c.Value]
}

// RolesForRequest resolves the caller's roles for rbac.Enforcer. It waits for
// the first role fetch, which the load watchdog bounds, and reports not ok
// while the context is in a failure stage.
func (r *Registry) RolesForRequest(req *http.Request) (rbac.Roles, bool) {
	bc := FromContext(req.Context())
	if bc == nil {
		return nil, true
	}
	snap, err := bc.access.Wait(req.Context(), func(s access.Snapshot) bool { return !s.Loading })
	if err != nil || snap.Stage.Failed() {
		return nil, false
	}
	return snap.Roles, true
}

// InvalidateSubject refetches roles and permissions in every context
// currently signed in as subject.
func (r *Registry) InvalidateSubject(subject string) {
	for _, bc := range r.snapshot() {
		snap := bc.access.Snapshot()
		if snap.Identity == nil || snap.Identity.ID != subject {
			continue
		}
		if err := bc.access.InvalidateCache(); err != nil {
			r.log.Debug().Err(err).Str("browsing_context", bc.id).Msg("invalidate skipped")
		}
	}
}

// InvalidateAll refetches in every context, used after permission entries
// change.
func (r *Registry) InvalidateAll() {
	for _, bc := range r.snapshot() {
		if err := bc.access.InvalidateCache(); err != nil {
			r.log.Debug().Err(err).Str("browsing_context", bc.id).Msg("invalidate skipped")
		}
	}
}

func (r *Registry) snapshot() []*BrowsingContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BrowsingContext, 0, len(r.contexts))
	for _, bc := range r.contexts {
		out = append(out, bc)
	}
	return out
}

// Len reports the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Sweep closes contexts idle for longer than IdleTTL and returns how many
// it removed.
func (r *Registry) Sweep() int {
	cutoff := r.opts.Clock.Now().Add(-r.opts.IdleTTL)

	r.mu.Lock()
	var stale []*BrowsingContext
	for id, bc := range r.contexts {
		if bc.idleSince().Before(cutoff) {
			stale = append(stale, bc)
			delete(r.contexts, id)
		}
	}
	r.mu.Unlock()

	for _, bc := range stale {
		bc.access.Close()
	}
	if len(stale) > 0 {
		r.log.Debug().Int("removed", len(stale)).Msg("swept idle browsing contexts")
	}
	return len(stale)
}

// Serve sweeps idle contexts until ctx ends. It implements suture.Service.
func (r *Registry) Serve(ctx context.Context) error {
	interval := r.opts.IdleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := r.opts.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Sweep()
		}
	}
}

func (r *Registry) String() string { return "browsing-context-registry" }

// Close stops every context. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	contexts := r.contexts
	r.contexts = make(map[string]*BrowsingContext)
	r.mu.Unlock()

	for _, bc := range contexts {
		bc.access.Close()
	}
	r.cancel()
}
