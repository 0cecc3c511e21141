// Package access drives session resolution for one browsing context: it
// confirms the caller's session, fetches roles and then permission entries,
// and forces an explicit timeout when that takes too long.
//
// All state lives on a single goroutine. Every input, whether a session read
// result, an identity event, a resolver result, the watchdog or a retry, is
// a message to that goroutine, and readers only see the immutable Snapshot
// published after each message.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/innhopp/portal/identity"
	"github.com/innhopp/portal/internal/clock"
	"github.com/innhopp/portal/rbac"
	"github.com/innhopp/portal/resolve"
)

// DefaultLoadTimeout bounds continuous loading before the timeout stage.
const DefaultLoadTimeout = 10 * time.Second

var (
	ErrClosed      = errors.New("access: context closed")
	ErrNotStarted  = errors.New("access: context not started")
	ErrSessionRead = errors.New("access: session read failed")
)

// Option customises a Context.
type Option func(*Context)

// WithClock replaces the wall clock used by the watchdog.
func WithClock(c clock.Clock) Option {
	return func(ctx *Context) { ctx.clock = c }
}

// WithLoadTimeout sets the watchdog budget. Non-positive values are ignored.
func WithLoadTimeout(d time.Duration) Option {
	return func(ctx *Context) {
		if d > 0 {
			ctx.budget = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(ctx *Context) { ctx.log = log }
}

// WithPublicRoutes replaces rbac.PublicRoutes for role-less callers.
func WithPublicRoutes(routes []string) Option {
	return func(ctx *Context) {
		if len(routes) > 0 {
			ctx.public = append([]string(nil), routes...)
		}
	}
}

// Context resolves and holds the access state of one browsing context.
type Context struct {
	source identity.Source
	roles  resolve.RoleResolver
	perms  resolve.PermissionResolver
	clock  clock.Clock
	budget time.Duration
	log    zerolog.Logger
	public []string

	inbox   chan message
	done    chan struct{}
	stopped chan struct{}

	lifecycle   sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()

	snapshot atomic.Pointer[Snapshot]
	changeMu sync.Mutex
	changed  chan struct{}

	// st is owned by the loop goroutine once Start returns.
	st loopState
}

type loopState struct {
	ctx   context.Context
	stage Stage
	// gen tags every asynchronous call. Anything that makes in-flight work
	// obsolete bumps it and results carrying an older gen are dropped.
	gen uint64

	sessionResolved bool
	identity        *identity.Identity
	token           string
	roles           rbac.Roles
	rolesSettled    bool
	perms           []rbac.PermissionEntry
	permsSettled    bool
	// refetch makes the next session read invalidate cached results for
	// the identity it returns.
	refetch bool

	timedOut bool
	errored  bool
	err      error

	loading     bool
	watchdog    clock.Timer
	watchdogSeq uint64
}

func (st *loopState) failed() bool { return st.timedOut || st.errored }

type message interface{ message() }

type sessionRead struct {
	gen     uint64
	session identity.Session
	err     error
}

type identityChanged struct{ event identity.Event }

type rolesFetched struct {
	gen        uint64
	identityID string
	roles      rbac.Roles
}

type permissionsFetched struct {
	gen        uint64
	identityID string
	rolesKey   string
	entries    []rbac.PermissionEntry
}

type watchdogExpired struct{ seq uint64 }

type retryRequested struct{}

type invalidateRequested struct{}

func (sessionRead) message()         {}
func (identityChanged) message()     {}
func (rolesFetched) message()        {}
func (permissionsFetched) message()  {}
func (watchdogExpired) message()     {}
func (retryRequested) message()      {}
func (invalidateRequested) message() {}

// New builds a Context. Nothing happens until Start.
func New(source identity.Source, roles resolve.RoleResolver, perms resolve.PermissionResolver, opts ...Option) *Context {
	c := &Context{
		source:  source,
		roles:   roles,
		perms:   perms,
		clock:   clock.Real(),
		budget:  DefaultLoadTimeout,
		log:     zerolog.Nop(),
		inbox:   make(chan message, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store(&Snapshot{Stage: StageIdle, public: c.public})
	return c
}

// Start subscribes to the identity source and performs the one-shot session
// read. The context stops when ctx ends or Close is called.
func (c *Context) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return errors.New("access: context already started")
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.st.ctx = loopCtx
	c.unsubscribe = c.source.Subscribe(func(e identity.Event) {
		c.post(identityChanged{event: e})
	})

	c.setStage(StageSession)
	c.readSession()
	c.settle()

	activeContexts.Inc()
	go c.run()
	return nil
}

// Close stops the loop and releases the subscription. It is safe to call
// more than once.
func (c *Context) Close() {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	started := c.started
	unsubscribe, cancel := c.unsubscribe, c.cancel
	c.lifecycle.Unlock()

	if !started {
		return
	}
	unsubscribe()
	cancel()
	<-c.stopped
}

// Snapshot returns the latest published state.
func (c *Context) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Changes returns a channel closed at the next published change.
func (c *Context) Changes() <-chan struct{} {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	return c.changed
}

// Wait blocks until pred holds for a published snapshot.
func (c *Context) Wait(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		changed := c.Changes()
		snap := c.Snapshot()
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-c.done:
			return c.Snapshot(), ErrClosed
		case <-c.stopped:
			return c.Snapshot(), ErrClosed
		}
	}
}

// Decide evaluates path against the latest snapshot.
func (c *Context) Decide(path string) Decision { return c.Snapshot().Decide(path) }

// CanAccess reports whether path may be rendered now.
func (c *Context) CanAccess(path string) bool { return c.Snapshot().CanAccess(path) }

// ScreenName returns the display name configured for path.
func (c *Context) ScreenName(path string) (string, bool) { return c.Snapshot().ScreenName(path) }

// RetryLoading clears a timeout or error, restarts the watchdog, re-reads
// the session and refetches roles and permissions past the cache.
func (c *Context) RetryLoading() error { return c.send(retryRequested{}) }

// InvalidateCache refetches the caller's roles and permissions without
// touching the stage or failure flags.
func (c *Context) InvalidateCache() error { return c.send(invalidateRequested{}) }

func (c *Context) send(m message) error {
	c.lifecycle.Lock()
	started, closed := c.started, c.closed
	c.lifecycle.Unlock()

	switch {
	case closed:
		return ErrClosed
	case !started:
		return ErrNotStarted
	}
	if !c.post(m) {
		return ErrClosed
	}
	return nil
}

func (c *Context) post(m message) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.done:
		return false
	case <-c.stopped:
		return false
	}
}

func (c *Context) run() {
	defer close(c.stopped)
	defer activeContexts.Dec()
	defer c.disarm()

	for {
		select {
		case <-c.done:
			return
		case <-c.st.ctx.Done():
			return
		case m := <-c.inbox:
			c.handle(m)
			c.settle()
		}
	}
}

func (c *Context) handle(m message) {
	st := &c.st

	switch m := m.(type) {
	case sessionRead:
		if m.gen != st.gen {
			return
		}
		if m.err != nil {
			sessionReadErrors.Inc()
			c.log.Error().Err(m.err).Msg("session read failed")
			st.gen++
			st.errored = true
			st.err = fmt.Errorf("%w: %w", ErrSessionRead, m.err)
			c.setStage(StageError)
			return
		}
		st.sessionResolved = true
		c.adoptSession(m.session)

	case identityChanged:
		c.applyEvent(m.event)

	case rolesFetched:
		if m.gen != st.gen || st.failed() || !c.current(m.identityID) {
			return
		}
		initial := !st.rolesSettled
		if initial || st.roles.Key() != m.roles.Key() {
			st.perms = nil
			st.permsSettled = false
		}
		st.roles = m.roles
		st.rolesSettled = true
		if initial {
			c.setStage(StagePermissions)
		}
		c.fetchPermissions()

	case permissionsFetched:
		if m.gen != st.gen || st.failed() || !c.current(m.identityID) || m.rolesKey != st.roles.Key() {
			return
		}
		st.perms = m.entries
		st.permsSettled = true
		if st.stage == StagePermissions {
			c.setStage(StageComplete)
		}

	case watchdogExpired:
		if m.seq != st.watchdogSeq || !st.loading {
			return
		}
		st.watchdog = nil
		loadTimeouts.Inc()
		c.log.Warn().Stringer("stage", st.stage).Dur("budget", c.budget).Msg("session resolution timed out")
		st.gen++
		st.timedOut = true
		c.setStage(StageTimeout)

	case retryRequested:
		c.log.Info().Stringer("stage", st.stage).Msg("retrying session resolution")
		c.disarm()
		st.loading = false
		st.timedOut = false
		st.errored = false
		st.err = nil
		st.gen++
		st.sessionResolved = false
		st.roles, st.rolesSettled = nil, false
		st.perms, st.permsSettled = nil, false
		st.refetch = true
		c.setStage(StageSession)
		c.readSession()

	case invalidateRequested:
		if st.identity == nil {
			return
		}
		c.purge(st.identity.ID)
		if st.failed() || !st.sessionResolved {
			return
		}
		st.gen++
		c.fetchRoles()
	}
}

func (c *Context) adoptSession(s identity.Session) {
	st := &c.st
	refetch := st.refetch
	st.refetch = false

	if s.Identity == nil {
		c.clearIdentity()
		c.setStage(StageIdle)
		return
	}

	c.setIdentity(s)
	if refetch {
		c.purge(s.Identity.ID)
	}
	c.setStage(StageRoles)
	c.fetchRoles()
}

func (c *Context) applyEvent(e identity.Event) {
	st := &c.st

	switch e.Type {
	case identity.TokenRefreshed:
		if st.identity != nil && e.Session.Identity != nil && e.Session.Identity.ID == st.identity.ID {
			st.token = e.Session.Token
		}
		return

	case identity.SignedIn:
		if e.Session.Identity == nil {
			c.log.Warn().Msg("sign-in event without identity, treating as sign-out")
			c.signOut()
			return
		}
		if st.identity != nil && st.identity.ID != e.Session.Identity.ID {
			c.purge(st.identity.ID)
		}
		st.gen++
		st.sessionResolved = true
		st.refetch = false
		c.setIdentity(e.Session)
		c.purge(e.Session.Identity.ID)
		if st.failed() {
			return
		}
		c.setStage(StageRoles)
		c.fetchRoles()

	case identity.SignedOut:
		c.signOut()

	default:
		c.log.Debug().Str("event", string(e.Type)).Msg("ignoring identity event")
	}
}

func (c *Context) signOut() {
	st := &c.st
	if st.identity != nil {
		c.purge(st.identity.ID)
	}
	st.gen++
	st.sessionResolved = true
	st.refetch = false
	c.clearIdentity()
	if !st.failed() {
		c.setStage(StageIdle)
	}
}

func (c *Context) setIdentity(s identity.Session) {
	st := &c.st
	id := *s.Identity
	st.identity = &id
	st.token = s.Token
	st.roles, st.rolesSettled = nil, false
	st.perms, st.permsSettled = nil, false
}

func (c *Context) clearIdentity() {
	st := &c.st
	st.identity = nil
	st.token = ""
	st.roles, st.rolesSettled = nil, false
	st.perms, st.permsSettled = nil, false
}

func (c *Context) current(identityID string) bool {
	return c.st.identity != nil && c.st.identity.ID == identityID
}

func (c *Context) purge(identityID string) {
	c.roles.InvalidateRoles(identityID)
	c.perms.InvalidatePermissions(identityID)
}

func (c *Context) readSession() {
	gen, ctx := c.st.gen, c.st.ctx
	go func() {
		s, err := c.source.CurrentSession(ctx)
		c.post(sessionRead{gen: gen, session: s, err: err})
	}()
}

func (c *Context) fetchRoles() {
	gen, ctx, id := c.st.gen, c.st.ctx, c.st.identity.ID
	go func() {
		roles := c.roles.Roles(ctx, id)
		c.post(rolesFetched{gen: gen, identityID: id, roles: roles})
	}()
}

func (c *Context) fetchPermissions() {
	gen, ctx, id, roles := c.st.gen, c.st.ctx, c.st.identity.ID, c.st.roles
	go func() {
		entries := c.perms.Permissions(ctx, id, roles)
		c.post(permissionsFetched{gen: gen, identityID: id, rolesKey: roles.Key(), entries: entries})
	}()
}

func (c *Context) setStage(s Stage) {
	st := &c.st
	if st.stage == s {
		return
	}
	c.log.Debug().Stringer("from", st.stage).Stringer("to", s).Msg("stage changed")
	stageTransitions.WithLabelValues(s.String()).Inc()
	st.stage = s
}

// settle recomputes the loading flag, arms or cancels the watchdog on its
// edges and publishes a snapshot.
func (c *Context) settle() {
	st := &c.st
	loading := !st.failed() && (!st.sessionResolved || (st.identity != nil && !st.rolesSettled))
	switch {
	case loading && !st.loading:
		c.arm()
	case !loading && st.loading:
		c.disarm()
	}
	st.loading = loading
	c.publish()
}

func (c *Context) arm() {
	st := &c.st
	st.watchdogSeq++
	seq := st.watchdogSeq
	st.watchdog = c.clock.AfterFunc(c.budget, func() {
		c.post(watchdogExpired{seq: seq})
	})
}

func (c *Context) disarm() {
	st := &c.st
	st.watchdogSeq++
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
}

func (c *Context) publish() {
	st := &c.st
	snap := &Snapshot{
		Authenticated:      st.identity != nil && st.token != "",
		Loading:            st.loading,
		Stage:              st.stage,
		TimedOut:           st.timedOut,
		Errored:            st.errored,
		Err:                st.err,
		Identity:           st.identity,
		Roles:              st.roles,
		Permissions:        st.perms,
		PermissionsSettled: st.permsSettled,
		public:             c.public,
	}
	c.snapshot.Store(snap)

	c.changeMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.changeMu.Unlock()
}
