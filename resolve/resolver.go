// Package resolve fetches a caller's roles and permission entries from the
// portal data service. Failures never reach the caller: after the retry
// budget is spent the resolvers answer with an empty list.
package resolve

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/innhopp/portal/rbac"
)

// Store is the data service the resolvers read.
type Store interface {
	RolesFor(ctx context.Context, subject string) (rbac.Roles, error)
	PermissionsFor(ctx context.Context, roles rbac.Roles) ([]rbac.PermissionEntry, error)
}

// RoleResolver resolves the role set of a caller identity.
type RoleResolver interface {
	Roles(ctx context.Context, identityID string) rbac.Roles
	InvalidateRoles(identityID string)
}

// PermissionResolver resolves the permission entries for a role set.
// identityID only scopes the cache so a departing caller can be purged.
type PermissionResolver interface {
	Permissions(ctx context.Context, identityID string, roles rbac.Roles) []rbac.PermissionEntry
	InvalidatePermissions(identityID string)
}

// Config tunes caching and retries.
type Config struct {
	CacheTTL     time.Duration `koanf:"cache_ttl" validate:"gt=0"`
	CacheSize    int           `koanf:"cache_size" validate:"gt=0"`
	MaxRetries   int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay   time.Duration `koanf:"retry_delay" validate:"gte=0"`
	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gte=0"`
}

// DefaultConfig is a 5 minute staleness window, two retries one second
// apart.
func DefaultConfig() Config {
	return Config{
		CacheTTL:     5 * time.Minute,
		CacheSize:    4096,
		MaxRetries:   2,
		RetryDelay:   time.Second,
		FetchTimeout: 3 * time.Second,
	}
}

// fetchBudget bounds a whole retry sequence: every attempt may run for
// FetchTimeout with RetryDelay between them. Zero when attempts are
// unbounded.
func (c Config) fetchBudget() time.Duration {
	if c.FetchTimeout <= 0 {
		return 0
	}
	return time.Duration(c.MaxRetries+1)*c.FetchTimeout + time.Duration(c.MaxRetries)*c.RetryDelay
}

type permissionKey struct {
	identity string
	roles    string
}

// Resolver implements RoleResolver and PermissionResolver over a Store.
type Resolver struct {
	store Store
	cfg   Config
	log   zerolog.Logger

	roles *Memo[string, rbac.Roles]
	perms *Memo[permissionKey, []rbac.PermissionEntry]

	rolesBreaker *gobreaker.CircuitBreaker[rbac.Roles]
	permsBreaker *gobreaker.CircuitBreaker[[]rbac.PermissionEntry]
}

var (
	_ RoleResolver       = (*Resolver)(nil)
	_ PermissionResolver = (*Resolver)(nil)
)

// New builds a resolver. The cache it owns is shared by every caller of
// the returned value.
func New(store Store, cfg Config, log zerolog.Logger) *Resolver {
	r := &Resolver{
		store: store,
		cfg:   cfg,
		log:   log,
		roles: NewMemo[string, rbac.Roles]("roles", cfg.CacheSize, cfg.CacheTTL, cfg.fetchBudget(), func(id string) string { return id }),
		perms: NewMemo[permissionKey, []rbac.PermissionEntry]("permissions", cfg.CacheSize, cfg.CacheTTL, cfg.fetchBudget(), func(k permissionKey) string {
			return k.identity + "\x00" + k.roles
		}),
	}
	r.rolesBreaker = gobreaker.NewCircuitBreaker[rbac.Roles](r.breakerSettings("roles-store"))
	r.permsBreaker = gobreaker.NewCircuitBreaker[[]rbac.PermissionEntry](r.breakerSettings("permissions-store"))
	return r
}

func (r *Resolver) breakerSettings(name string) gobreaker.Settings {
	breakerState.WithLabelValues(name).Set(0)
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(stateValue(to))
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("data service breaker changed state")
		},
	}
}

// Roles returns the caller's roles, or an empty set when identityID is
// empty or the data service keeps failing.
func (r *Resolver) Roles(ctx context.Context, identityID string) rbac.Roles {
	if identityID == "" {
		return nil
	}

	roles, _, err := r.roles.Get(ctx, identityID, func(ctx context.Context) (rbac.Roles, error) {
		return withRetry(ctx, r.cfg, func(ctx context.Context) (rbac.Roles, error) {
			return r.rolesBreaker.Execute(func() (rbac.Roles, error) {
				return r.store.RolesFor(ctx, identityID)
			})
		})
	})
	if err != nil {
		fetchFailures.WithLabelValues("roles").Inc()
		r.log.Warn().Err(err).Str("identity", identityID).Msg("role fetch failed, treating caller as role-less")
		return nil
	}
	return slices.Clone(roles)
}

// Permissions returns the union of entries for roles. Administrators and
// empty role sets are answered without touching the store.
func (r *Resolver) Permissions(ctx context.Context, identityID string, roles rbac.Roles) []rbac.PermissionEntry {
	if roles.IsAdmin() {
		shortCircuits.Inc()
		return nil
	}
	if len(roles) == 0 {
		return nil
	}

	key := permissionKey{identity: identityID, roles: roles.Key()}
	entries, _, err := r.perms.Get(ctx, key, func(ctx context.Context) ([]rbac.PermissionEntry, error) {
		return withRetry(ctx, r.cfg, func(ctx context.Context) ([]rbac.PermissionEntry, error) {
			return r.permsBreaker.Execute(func() ([]rbac.PermissionEntry, error) {
				return r.store.PermissionsFor(ctx, roles)
			})
		})
	})
	if err != nil {
		fetchFailures.WithLabelValues("permissions").Inc()
		r.log.Warn().Err(err).Str("identity", identityID).Str("roles", key.roles).Msg("permission fetch failed, using no entries")
		return nil
	}
	return slices.Clone(entries)
}

// InvalidateRoles forces the next Roles call for identityID to fetch.
func (r *Resolver) InvalidateRoles(identityID string) {
	r.roles.Invalidate(identityID)
}

// InvalidatePermissions forces the next Permissions call for identityID to
// fetch, whatever role set it is asked with.
func (r *Resolver) InvalidatePermissions(identityID string) {
	r.perms.InvalidateWhere(func(k permissionKey) bool { return k.identity == identityID })
}

// PurgeIdentity drops everything cached for identityID.
func (r *Resolver) PurgeIdentity(identityID string) {
	r.InvalidateRoles(identityID)
	r.InvalidatePermissions(identityID)
}

// PurgePermissions drops every cached permission set, used after
// permission entries are edited.
func (r *Resolver) PurgePermissions() {
	r.perms.Purge()
}

// withRetry runs op up to MaxRetries+1 times. Each attempt gets its own
// FetchTimeout so one hung call does not spend the whole budget.
func withRetry[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		attemptCtx := ctx
		if cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
			defer cancel()
		}
		v, err := op(attemptCtx)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.RetryDelay)),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
}
