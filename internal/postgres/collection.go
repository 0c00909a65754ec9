package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"wyd-backend/internal/goals"
)

// NotifyChannel is fed by the goals_changed trigger with the user id of
// the changed row.
const NotifyChannel = "goals_changed"

// Collection stores goals in Postgres and pushes snapshots to subscribers
// on LISTEN/NOTIFY. Each subscription owns its own pq.Listener connection.
type Collection struct {
	db         *sql.DB
	connString string
	logger     *slog.Logger

	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
}

func New(db *sql.DB, connString string, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{
		db:           db,
		connString:   connString,
		logger:       logger,
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
		PingInterval: 90 * time.Second,
	}
}

func (c *Collection) Create(ctx context.Context, principalID string, goal goals.Goal) (string, error) {
	id := uuid.NewString()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, principalID, goal.Title, goal.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert goal: %w", err)
	}
	return id, nil
}

// Delete of a missing goal is not an error.
func (c *Collection) Delete(ctx context.Context, principalID, goalID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM goals
		WHERE id = $1 AND user_id = $2
	`, goalID, principalID)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	return nil
}

func (c *Collection) Subscribe(ctx context.Context, principalID string, deliver func(goals.Snapshot)) (goals.Subscription, error) {
	sub := &subscription{
		coll:      c,
		principal: principalID,
		deliver:   deliver,
		done:      make(chan struct{}),
	}
	sub.listener = pq.NewListener(c.connString, c.MinReconnect, c.MaxReconnect, sub.onEvent)

	// Listen waits for the connection and knows nothing about ctx
	errc := make(chan error, 1)
	go func() { errc <- sub.listener.Listen(NotifyChannel) }()
	select {
	case err := <-errc:
		if err != nil {
			sub.Cancel()
			return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
		}
	case <-ctx.Done():
		// Close waits for the pending Listen
		go sub.Cancel()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, ctx.Err())
	}

	sub.refresh(ctx)
	go sub.run()
	return sub, nil
}

// Snapshot reads principalID's goals in display order.
func (c *Collection) Snapshot(ctx context.Context, principalID string) ([]goals.Goal, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, created_at
		FROM goals
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	list := []goals.Goal{}
	for rows.Next() {
		var g goals.Goal
		if err := rows.Scan(&g.ID, &g.Title, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		list = append(list, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read goals: %w", err)
	}
	return list, nil
}

type subscription struct {
	coll      *Collection
	listener  *pq.Listener
	principal string
	deliver   func(goals.Snapshot)

	done chan struct{}
	once sync.Once
}

// onEvent logs listener state changes. Lost connections are also handed
// to the subscriber as a snapshot error; the reconnect triggers a refresh.
func (s *subscription) onEvent(ev pq.ListenerEventType, err error) {
	if err == nil {
		return
	}
	s.coll.logger.Warn("goal listener event", "event", eventName(ev), "principal", s.principal, "error", err)

	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		s.send(goals.Snapshot{Err: fmt.Errorf("goal listener %s: %w", eventName(ev), err)})
	}
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if err := s.listener.Close(); err != nil {
			s.coll.logger.Debug("close goal listener", "principal", s.principal, "error", err)
		}
	})
}

func (s *subscription) run() {
	ping := time.NewTicker(s.coll.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// nil means the connection was re-established and
			// notifications may have been missed
			if n != nil && n.Extra != s.principal {
				continue
			}
			s.drain()
			s.refresh(context.Background())
		case <-ping.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.coll.logger.Debug("goal listener ping", "principal", s.principal, "error", err)
				}
			}()
		}
	}
}

// drain swallows notifications that are already queued; the refresh that
// follows covers them.
func (s *subscription) drain() {
	for {
		select {
		case _, ok := <-s.listener.Notify:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *subscription) refresh(ctx context.Context) {
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

func eventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
