package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innhopp/portal/rbac"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("PORTAL_SESSION_SECRET", secret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Access.LoadTimeout)
	assert.Equal(t, rbac.PublicRoutes, cfg.Access.PublicRoutes)
	assert.Equal(t, 5*time.Minute, cfg.Resolver.CacheTTL)
	assert.Equal(t, 2, cfg.Resolver.MaxRetries)
	assert.Equal(t, time.Second, cfg.Resolver.RetryDelay)
	assert.Equal(t, secret, cfg.Session.Secret)
	assert.False(t, cfg.OIDC.Enabled())
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("PORTAL_SESSION_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("PORTAL_SESSION_SECRET", secret)
	t.Setenv("PORTAL_SESSION_COOKIE_SECURE", "true")
	t.Setenv("PORTAL_SERVER_ADDR", ":9090")
	t.Setenv("PORTAL_RESOLVER_CACHE_TTL", "90s")
	t.Setenv("PORTAL_ACCESS_PUBLIC_ROUTES", "/, /help ,/login")
	t.Setenv("PORTAL_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Session.CookieSecure)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Resolver.CacheTTL)
	assert.Equal(t, []string{"/", "/help", "/login"}, cfg.Access.PublicRoutes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7070"
session:
  secret: "`+secret+`"
access:
  load_timeout: 4s
  public_routes: ["/", "/status"]
logging:
  format: console
`), 0o600))

	t.Setenv(PathEnvVar, path)
	t.Setenv("PORTAL_SERVER_ADDR", ":6060")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr, "environment wins over file")
	assert.Equal(t, 4*time.Second, cfg.Access.LoadTimeout)
	assert.Equal(t, []string{"/", "/status"}, cfg.Access.PublicRoutes)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("PORTAL_SESSION_SECRET", secret)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Session.Secret = secret
		return cfg
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Access.PublicRoutes = []string{"reports"}
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.OIDC.Issuer = "https://idp.example.com"
	assert.Error(t, cfg.Validate(), "partial provider settings")

	cfg.OIDC.ClientID = "portal"
	cfg.OIDC.ClientSecret = "s3cret"
	cfg.OIDC.RedirectURL = "https://portal.example.com/api/auth/callback"
	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "session.cookie_secure", envKey("PORTAL_SESSION_COOKIE_SECURE"))
	assert.Equal(t, "database.url", envKey("PORTAL_DATABASE_URL"))
	assert.Equal(t, "debug", envKey("PORTAL_DEBUG"))
}
