package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfg "github.com/example/segmentauth/internal/config"
	"github.com/example/segmentauth/internal/migrations"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

type App struct {
	DB       DB
	Auth     *AuthService
	Segments *SegmentService
	Users    *UserService
	Guard    *Guard
	Log      *slog.Logger
	Metrics  *Metrics

	CORSOrigins []string
	rateLimiter *RateLimiter
}

func NewApp(db DB, tokens *TokenIssuer, hasher PasswordHasher, log *slog.Logger, metrics *Metrics) *App {
	return &App{
		DB:       db,
		Auth:     NewAuthService(db, hasher, tokens, log, metrics),
		Segments: NewSegmentService(db, log),
		Users:    NewUserService(db),
		Guard:    NewGuard(tokens, db, log, metrics),
		Log:      log,
		Metrics:  metrics,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "err", err)
	}
}

var (
	public    = RouteMeta{Public: true}
	authed    = RouteMeta{TokenKind: AccessToken}
	refresh   = RouteMeta{TokenKind: RefreshToken}
	anyRole   = RouteMeta{TokenKind: AccessToken, AllowedRoles: []Role{RoleUser, RoleAdmin}}
	adminOnly = RouteMeta{TokenKind: AccessToken, AllowedRoles: []Role{RoleAdmin}}
)

// Routes builds the HTTP router. Every API route declares its guard.
func (a *App) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	handle := func(sr *mux.Router, path string, meta RouteMeta, h http.Handler, methods ...string) {
		sr.Handle(path, a.Guard.Protect(meta, h)).Methods(append(methods, http.MethodOptions)...)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods(http.MethodGet)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()

	handle(api, "/auth/register", public, a.RateLimit(http.HandlerFunc(a.HandleRegister)), http.MethodPost)
	handle(api, "/auth/login", public, a.RateLimit(http.HandlerFunc(a.HandleLogin)), http.MethodPost)
	handle(api, "/auth/logout", authed, http.HandlerFunc(a.HandleLogout), http.MethodPost)
	handle(api, "/auth/refresh", refresh, http.HandlerFunc(a.HandleRefresh), http.MethodPost)
	handle(api, "/auth/password", authed, http.HandlerFunc(a.HandleUpdatePassword), http.MethodPatch)

	handle(api, "/segments", anyRole, http.HandlerFunc(a.HandleListSegments), http.MethodGet)
	handle(api, "/segments/stats", adminOnly, http.HandlerFunc(a.HandleSegmentsStats), http.MethodGet)
	handle(api, "/segments/assign", adminOnly, http.HandlerFunc(a.HandleAssignSegment), http.MethodPost)
	handle(api, "/segments/remove", adminOnly, http.HandlerFunc(a.HandleRemoveSegment), http.MethodDelete)
	handle(api, "/segments/users", adminOnly, http.HandlerFunc(a.HandleUsersInSegment), http.MethodGet)

	handle(api, "/users", adminOnly, http.HandlerFunc(a.HandleListUsers), http.MethodGet)
	handle(api, "/users/{id}/segments", anyRole, http.HandlerFunc(a.HandleUserSegments), http.MethodGet)

	return r
}

func openDB(c *cfg.Config, log *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.SQLiteFile), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config error: %w", err)
		}
		log.Info("applying database migrations", "dir", c.Migrations)
		if err := migrations.Apply(c.Migrations, dsn, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return NewPostgresDB(dsn)
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(os.Stdout, c.LogLevel, c.LogFormat)
	slog.SetDefault(log)

	if err := run(c, log); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(c *cfg.Config, log *slog.Logger) error {
	tokens, err := NewTokenIssuer(TokenConfig{
		AccessSecret:  []byte(c.AccessTokenSecret),
		RefreshSecret: []byte(c.RefreshTokenSecret),
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	db, err := openDB(c, log)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := db.(interface{ close() error }); ok {
			_ = closer.close()
		}
	}()

	app := NewApp(db, tokens, newBcryptHasher(c.BcryptCost), log, NewMetrics("segmentauth"))
	app.CORSOrigins = c.CORSOrigins
	app.rateLimiter = NewRateLimiter(c.AuthRateLimit)

	if c.AdminEmail != "" {
		if err := app.Auth.EnsureAdmin(context.Background(), c.AdminEmail, c.AdminPassword); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	srv := &http.Server{
		Handler:      app.Routes(),
		Addr:         c.ListenAddr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "db", c.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Info("server exited properly")
	return nil
}
