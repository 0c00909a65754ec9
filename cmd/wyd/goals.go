package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wyd-backend/internal/goals"
	"wyd-backend/internal/session"
)

func newGoalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "goals", Short: "List and edit your goals"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print your goals, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGoalStore(cmd.Context(), func(s *goals.Store) error {
				printGoals(cmd.OutOrStdout(), s.Goals())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print the list every time it changes, until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGoalStore(cmd.Context(), func(s *goals.Store) error {
				out := cmd.OutOrStdout()
				lists := make(chan []goals.Goal, 16)
				cancel := s.Observe(func(list []goals.Goal) {
					select {
					case lists <- list:
					default:
					}
				})
				defer cancel()

				printGoals(out, s.Goals())
				for {
					select {
					case <-cmd.Context().Done():
						return nil
					case list := <-lists:
						_, _ = fmt.Fprintln(out, "---")
						printGoals(out, list)
						if s.State() != goals.StateSubscribed {
							return nil
						}
					case err := <-s.Errors():
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					}
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <title>",
		Short: "Add a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				return fmt.Errorf("title is required")
			}
			return withGoalStore(cmd.Context(), func(s *goals.Store) error {
				if err := s.Add(title); err != nil {
					return err
				}
				if err := settle(s); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %q\n", title)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a goal by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGoalStore(cmd.Context(), func(s *goals.Store) error {
				if err := s.Delete(goals.Goal{ID: args[0]}); err != nil {
					return err
				}
				if err := settle(s); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

// withGoalStore runs fn with a store that follows the saved session.
func withGoalStore(ctx context.Context, fn func(*goals.Store) error) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := signedIn(a)
	if err != nil {
		return err
	}

	var provider session.Provider
	provider.SignIn(*sess)

	s := goals.NewStore(a.Goals, a.StoreOptions())
	unbind := goals.FollowSession(ctx, &provider, s)
	defer unbind()
	defer s.Wait()

	select {
	case err := <-s.Errors():
		return err
	default:
	}
	if s.State() != goals.StateSubscribed {
		return goals.ErrNotOpen
	}
	return fn(s)
}

// settle waits for pending writes and returns the first one that failed.
func settle(s *goals.Store) error {
	s.Wait()
	select {
	case err := <-s.Errors():
		return err
	default:
		return nil
	}
}

func printGoals(w io.Writer, list []goals.Goal) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, "no goals")
		return
	}
	for _, g := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.CreatedAt.Local().Format(time.DateTime), g.Title)
	}
}
