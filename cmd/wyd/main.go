package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wyd-backend/internal/app"
	"wyd-backend/internal/auth"
	"wyd-backend/internal/config"
	"wyd-backend/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wyd",
		Short:         "What you doing: goals from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSignupCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWhoamiCmd())
	root.AddCommand(newGoalsCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, app.NewLogger(cfg))
}

func sessionFile(cfg *config.Config) (session.FileStore, error) {
	if cfg.SessionPath != "" {
		return session.FileStore{Path: cfg.SessionPath}, nil
	}
	path, err := session.DefaultPath()
	if err != nil {
		return session.FileStore{}, err
	}
	return session.FileStore{Path: path}, nil
}

// signedIn restores the saved session. An expired or foreign token counts
// as signed out.
func signedIn(a *app.App) (*session.Session, error) {
	files, err := sessionFile(a.Config)
	if err != nil {
		return nil, err
	}
	saved, err := files.Load()
	if err != nil {
		return nil, err
	}
	sess, err := auth.ParseToken([]byte(a.Config.JWTSecret), saved.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, fmt.Errorf("%w: session expired, run wyd login", session.ErrNoSession)
		}
		return nil, err
	}
	return &sess, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// app.Open migrates
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", a.Config.DBDriver)
			return nil
		},
	}
}
