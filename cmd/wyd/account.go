package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wyd-backend/internal/app"
	"wyd-backend/internal/auth"
	"wyd-backend/internal/config"
	"wyd-backend/internal/session"
)

type credentialFlags struct {
	email    string
	password string
}

func (f *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.email, "email", "", "account email")
	cmd.Flags().StringVar(&f.password, "password", "", "account password")
}

func (f *credentialFlags) check() error {
	if strings.TrimSpace(f.email) == "" || f.password == "" {
		return fmt.Errorf("--email and --password are required")
	}
	return nil
}

func newSignupCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "signup --email <email> --password <password>",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			return signIn(cmd, func(ctx context.Context, a *app.App) (auth.User, string, error) {
				return a.Accounts.Register(ctx, creds.email, creds.password)
			})
		},
	}
	creds.bind(cmd)
	return cmd
}

func newLoginCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "login --email <email> --password <password>",
		Short: "Sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			return signIn(cmd, func(ctx context.Context, a *app.App) (auth.User, string, error) {
				return a.Accounts.Login(ctx, creds.email, creds.password)
			})
		},
	}
	creds.bind(cmd)
	return cmd
}

func signIn(cmd *cobra.Command, fn func(context.Context, *app.App) (auth.User, string, error)) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	u, token, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}

	files, err := sessionFile(a.Config)
	if err != nil {
		return err
	}
	if err := files.Save(session.Session{UserID: u.ID, Email: u.Email, Token: token}); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", u.Email)
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			files, err := sessionFile(cfg)
			if err != nil {
				return err
			}
			if err := files.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := signedIn(a)
			if errors.Is(err, session.ErrNoSession) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			if err != nil {
				return err
			}

			u, err := a.Accounts.Me(cmd.Context(), sess.UserID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", u.Email, u.ID)
			return nil
		},
	}
}
