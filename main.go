package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/example/authsession/internal/auth"
	"github.com/example/authsession/internal/config"
	"github.com/example/authsession/internal/logger"
	"github.com/example/authsession/internal/password"
	"github.com/example/authsession/internal/token"
)

type App struct {
	cfg         *config.Config
	service     *auth.Service
	issuer      *token.Issuer
	hasher      *password.Hasher
	storage     *storage
	logger      *logger.Logger
	rateLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// newApp wires the service stack on top of opened storage.
func newApp(c *config.Config, st *storage, log *logger.Logger) (*App, error) {
	argon := password.DefaultArgon2Config()
	argon.Memory = c.Password.Argon2Memory
	argon.Time = c.Password.Argon2Time
	argon.Parallelism = c.Password.Argon2Parallelism

	hasher, err := password.New(password.Config{
		Algorithm:  c.Password.Algorithm,
		BcryptCost: c.Password.BcryptCost,
		Argon2:     argon,
	})
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte(c.JWT.Secret),
		AccessTTL: c.AccessTTL(),
		Issuer:    c.JWT.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	svc := auth.NewService(
		st.backend.Users(),
		st.backend.Roles(),
		st.tokens,
		hasher,
		issuer,
		log,
		auth.Options{
			RefreshTTL:             c.JWT.RefreshTokenTTL,
			RotateRefreshTokens:    c.Session.RotateRefreshTokens,
			RevokeOnPasswordChange: c.Session.RevokeOnPasswordChange,
			ConcealUnknownAccounts: c.Session.ConcealUnknownAccounts,
		},
	)

	app := &App{
		cfg:     c,
		service: svc,
		issuer:  issuer,
		hasher:  hasher,
		storage: st,
		logger:  log,
	}
	if c.HTTP.RateLimit > 0 {
		app.rateLimiter = NewRateLimiter(rate.Limit(c.HTTP.RateLimit), c.HTTP.RateBurst)
	}
	return app, nil
}

// maxPasswordBytes is the password length cap applied to new passwords.
func (a *App) maxPasswordBytes() int {
	return a.hasher.MaxLength()
}

// newRouter builds the HTTP handler. CORS and logging wrap the router so
// preflights and unmatched paths pass through them too.
func newRouter(a *App) http.Handler {
	r := mux.NewRouter()

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	public := func(h http.HandlerFunc) http.Handler { return a.RateLimit(h) }
	bearer := func(h http.HandlerFunc) http.Handler { return a.RequireAuth(h) }

	authRoutes := r.PathPrefix("/auth").Subrouter()
	authRoutes.Handle("/register", public(a.HandleRegister)).Methods(http.MethodPost)
	authRoutes.Handle("/login", public(a.HandleLogin)).Methods(http.MethodPost)
	authRoutes.Handle("/refresh", public(a.HandleRefresh)).Methods(http.MethodPost)
	authRoutes.Handle("/logout", bearer(a.HandleLogout)).Methods(http.MethodPost)
	authRoutes.Handle("/me", bearer(a.HandleMe)).Methods(http.MethodGet)
	authRoutes.Handle("/change-password", bearer(a.HandleChangePassword)).Methods(http.MethodPut)
	authRoutes.Handle("/sessions", bearer(a.HandleSessions)).Methods(http.MethodGet)
	authRoutes.Handle("/introspect", bearer(a.HandleTokenIntrospect)).Methods(http.MethodPost)

	// Admin endpoints
	admin := func(h http.HandlerFunc) http.Handler {
		return a.RequireAuth(a.RequireAuthority(auth.AuthorityAdmin)(h))
	}
	r.Handle("/roles", admin(a.HandleListRoles)).Methods(http.MethodGet)
	users := r.PathPrefix("/users").Subrouter()
	users.Handle("/{id}/roles", admin(a.HandleAssignRole)).Methods(http.MethodPut)
	users.Handle("/{id}/roles/{role}", admin(a.HandleRemoveRole)).Methods(http.MethodDelete)
	users.Handle("/{id}/status", admin(a.HandleSetStatus)).Methods(http.MethodPut)
	users.Handle("/{id}/sessions", admin(a.HandleDeleteSessions)).Methods(http.MethodDelete)

	return SecurityHeaders(a.Logging(a.CORS(r)))
}

func main() {
	c, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(c.LogLevel, c.LogFormat)

	if err := run(c, log); err != nil {
		log.Fatal("Server: exited with error", "error", err.Error())
	}
}

func run(c *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, c, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("Server: closing storage", "error", err.Error())
		}
	}()

	if err := auth.SeedRoles(ctx, st.backend.Roles(), log); err != nil {
		return fmt.Errorf("seeding roles: %w", err)
	}

	app, err := newApp(c, st, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      newRouter(app),
		Addr:         ":" + c.Port,
		ReadTimeout:  c.HTTP.ReadTimeout,
		WriteTimeout: c.HTTP.WriteTimeout,
		IdleTimeout:  c.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server: listening", "port", c.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("Server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Info("Server: exited properly")
	return nil
}
