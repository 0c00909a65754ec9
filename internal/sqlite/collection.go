package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wyd-backend/internal/goals"
)

// Collection stores goals in SQLite. SQLite has no change notification,
// so writers bump a per-user revision in goal_revisions and subscribers
// poll it.
type Collection struct {
	db       *sql.DB
	interval time.Duration
	logger   *slog.Logger
}

func New(db *sql.DB, pollInterval time.Duration, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Collection{db: db, interval: pollInterval, logger: logger}
}

func (c *Collection) Create(ctx context.Context, principalID string, goal goals.Goal) (string, error) {
	id := uuid.NewString()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO goals (id, user_id, title, created_at)
			VALUES (?, ?, ?, ?)
		`, id, principalID, goal.Title, goal.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		return bumpRevision(ctx, tx, principalID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Delete of a missing goal is not an error.
func (c *Collection) Delete(ctx context.Context, principalID, goalID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM goals
			WHERE id = ? AND user_id = ?
		`, goalID, principalID)
		if err != nil {
			return fmt.Errorf("delete goal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return bumpRevision(ctx, tx, principalID)
	})
}

func (c *Collection) Subscribe(ctx context.Context, principalID string, deliver func(goals.Snapshot)) (goals.Subscription, error) {
	rev, err := c.revision(ctx, principalID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		coll:      c,
		principal: principalID,
		deliver:   deliver,
		rev:       rev,
		done:      make(chan struct{}),
	}
	sub.push(ctx)
	go sub.poll()
	return sub, nil
}

// Snapshot reads principalID's goals in display order.
func (c *Collection) Snapshot(ctx context.Context, principalID string) ([]goals.Goal, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, created_at
		FROM goals
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	list := []goals.Goal{}
	for rows.Next() {
		var (
			g       goals.Goal
			created int64
		)
		if err := rows.Scan(&g.ID, &g.Title, &created); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.CreatedAt = time.Unix(0, created).UTC()
		list = append(list, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read goals: %w", err)
	}
	return list, nil
}

func (c *Collection) revision(ctx context.Context, principalID string) (int64, error) {
	var rev int64
	err := c.db.QueryRowContext(ctx, `SELECT rev FROM goal_revisions WHERE user_id = ?`, principalID).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read goal revision: %w", err)
	}
	return rev, nil
}

func (c *Collection) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, principalID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO goal_revisions (user_id, rev) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET rev = goal_revisions.rev + 1
	`, principalID)
	if err != nil {
		return fmt.Errorf("bump goal revision: %w", err)
	}
	return nil
}

type subscription struct {
	coll      *Collection
	principal string
	deliver   func(goals.Snapshot)
	rev       int64

	done chan struct{}
	once sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) poll() {
	ticker := time.NewTicker(s.coll.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		rev, err := s.coll.revision(context.Background(), s.principal)
		if err != nil {
			s.send(goals.Snapshot{Err: err})
			continue
		}
		if rev == s.rev {
			continue
		}
		s.rev = rev
		s.push(context.Background())
	}
}

func (s *subscription) push(ctx context.Context) {
	list, err := s.coll.Snapshot(ctx, s.principal)
	if err != nil {
		s.send(goals.Snapshot{Err: err})
		return
	}
	s.send(goals.Snapshot{Goals: list})
}

func (s *subscription) send(snap goals.Snapshot) {
	select {
	case <-s.done:
		return
	default:
	}
	s.deliver(snap)
}
