package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"wyd-backend/internal/analytics"
	"wyd-backend/internal/app"
	"wyd-backend/internal/auth"
	"wyd-backend/internal/config"
	"wyd-backend/internal/goals"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if cfg.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("JWT_SECRET is not set, using the development default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("❌ Failed to connect DB", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("✅ Connected to database", "driver", cfg.DBDriver)

	pool := goals.NewPool(a.Goals, a.StoreOptions())
	pool.Idle = time.Minute
	defer pool.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(a, pool, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	logger.Info("🚀 API server is running", "addr", ln.Addr().String())
	if err := serve(ctx, srv, ln, pool, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// serve runs srv until ctx is done and returns only after in-flight
// handlers have drained, so the database can be closed afterwards.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, pool *goals.Pool, logger *slog.Logger) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// open event streams end once their stores are closed
		pool.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

func newRouter(a *app.App, pool *goals.Pool, logger *slog.Logger) http.Handler {
	secret := []byte(a.Config.JWTSecret)
	authMW := auth.New(secret)
	rec := analytics.NewRecorder(a.DB, a.Config.DBDriver, logger)

	r := mux.NewRouter()

	// Health endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// ----- AUTH -----
	r.HandleFunc("/auth/register", auth.RegisterHandler(a.Accounts, rec, logger)).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", auth.LoginHandler(a.Accounts, rec, logger)).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", authMW.Wrap(auth.MeHandler(a.Accounts))).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", authMW.Wrap(auth.LogoutHandler(pool.Evict))).Methods(http.MethodPost)
	r.HandleFunc("/auth/account", authMW.Wrap(auth.DeleteAccountHandler(a.Accounts, pool.Evict, logger))).Methods(http.MethodDelete)

	// ----- GOALS -----
	r.HandleFunc("/goals", authMW.Wrap(goals.ListGoalsHandler(pool, logger))).Methods(http.MethodGet)
	r.HandleFunc("/goals/stream", authMW.Wrap(goals.StreamGoalsHandler(pool, logger))).Methods(http.MethodGet)
	r.HandleFunc("/goals", authMW.Wrap(goals.CreateGoalHandler(pool, rec, logger))).Methods(http.MethodPost)
	r.HandleFunc("/goals/{id}", authMW.Wrap(goals.DeleteGoalHandler(pool, rec, logger))).Methods(http.MethodDelete)

	// ----- ANALYTICS -----
	r.HandleFunc("/events/app_opened", authMW.Wrap(analytics.AppOpenedHandler(rec))).Methods(http.MethodPost)

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Platform", "X-Session-Id", "X-App-Version", "X-Device-Locale", "X-Source-Event-Key", "Idempotency-Key"},
		AllowCredentials: true,
	})

	return c.Handler(r)
}
