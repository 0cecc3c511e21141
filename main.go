package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/innhopp/portal/auth"
	"github.com/innhopp/portal/httpx"
	"github.com/innhopp/portal/internal/config"
	"github.com/innhopp/portal/internal/logging"
	"github.com/innhopp/portal/internal/supervise"
	"github.com/innhopp/portal/portal"
	"github.com/innhopp/portal/rbac"
	"github.com/innhopp/portal/resolve"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "portal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	store := rbac.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	sessions, err := auth.NewSessionManager(cfg.Session, nil)
	if err != nil {
		return fmt.Errorf("configure sessions: %w", err)
	}

	resolver := resolve.New(store, cfg.Resolver, logging.Component(log, "resolve"))
	registry := portal.NewRegistry(sessions, resolver, resolver, portal.Options{
		IdleTTL:      cfg.Session.IdleTTL,
		MaxContexts:  cfg.Access.MaxContexts,
		LoadTimeout:  cfg.Access.LoadTimeout,
		PublicRoutes: cfg.Access.PublicRoutes,
		CookieSecure: cfg.Session.CookieSecure,
		Logger:       logging.Component(log, "access"),
	})
	defer registry.Close()

	authHandler, err := auth.NewHandler(ctx, sessions, store, registry, cfg.OIDC, logging.Component(log, "auth"))
	if err != nil {
		return fmt.Errorf("configure auth handler: %w", err)
	}

	admin := rbac.NewHandler(store, rbac.Hooks{
		PermissionsChanged: func() {
			resolver.PurgePermissions()
			registry.InvalidateAll()
		},
		RolesChanged: func(subject string) {
			resolver.PurgeIdentity(subject)
			registry.InvalidateSubject(subject)
		},
	}, logging.Component(log, "rbac"))
	enforcer := rbac.NewEnforcer(registry.RolesForRequest)

	router := newRouter(cfg, log, sessions)
	router.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Group(func(r chi.Router) {
		r.Use(registry.Middleware)
		r.Mount("/api/auth", authHandler.Routes())
		r.Mount("/api/session", portal.NewHandler(registry, portal.NewGuard(), logging.Component(log, "portal")).Routes())
		r.Mount("/api/admin", admin.Routes(enforcer))
	})

	server := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	sup := supervise.New("portal", cfg.Server.ShutdownTimeout, log)
	sup.Add(supervise.NewHTTPService(server, cfg.Server.ShutdownTimeout, logging.Component(log, "http")))
	sup.Add(registry)

	log.Info().Str("addr", cfg.Server.Addr).Bool("oidc", cfg.OIDC.Enabled()).Msg("portal listening")
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("portal stopped")
	return nil
}

func newRouter(cfg *config.Config, log zerolog.Logger, sessions *auth.SessionManager) chi.Router {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(logging.Component(log, "http")),
		middleware.Recoverer,
		middleware.Timeout(cfg.Server.RequestTimeout),
	)
	if len(cfg.Server.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	router.Use(sessions.Middleware)
	return router
}
