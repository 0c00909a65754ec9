// Package app wires the database, the goal collection and the account
// service from a Config. Both cmd/api and cmd/wyd start from here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"wyd-backend/internal/auth"
	"wyd-backend/internal/config"
	"wyd-backend/internal/db"
	"wyd-backend/internal/goals"
	"wyd-backend/internal/postgres"
	"wyd-backend/internal/sqlite"
)

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Goals    goals.Collection
	Accounts *auth.Service
	Logger   *slog.Logger
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	database, err := db.Connect(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, database, cfg.DBDriver); err != nil {
		database.Close()
		return nil, err
	}

	var coll goals.Collection
	switch cfg.DBDriver {
	case config.DriverPostgres:
		coll = postgres.New(database, cfg.ConnString(), logger)
	case config.DriverSQLite:
		coll = sqlite.New(database, cfg.PollInterval, logger)
	default:
		database.Close()
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}

	return &App{
		Config:   cfg,
		DB:       database,
		Goals:    coll,
		Accounts: auth.NewService(database, cfg.DBDriver, []byte(cfg.JWTSecret)),
		Logger:   logger,
	}, nil
}

func (a *App) StoreOptions() goals.Options {
	return goals.Options{Logger: a.Logger}
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewLogger builds the text logger used by both binaries.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}
