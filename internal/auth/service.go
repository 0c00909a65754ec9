package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"wyd-backend/internal/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotFound           = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
)

const minPasswordLen = 6

type User struct {
	ID        string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Service owns the users table. Works on postgres and sqlite.
type Service struct {
	db     *sql.DB
	driver string
	secret []byte
	now    func() time.Time

	// Cost is the bcrypt cost; tests lower it.
	Cost int
}

func NewService(database *sql.DB, driver string, secret []byte) *Service {
	return &Service{
		db:     database,
		driver: driver,
		secret: secret,
		now:    time.Now,
		Cost:   bcrypt.DefaultCost,
	}
}

func (s *Service) Register(ctx context.Context, email, password string) (User, string, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, "", ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return User{}, "", ErrWeakPassword
	}

	if _, _, err := s.lookup(ctx, email); err == nil {
		return User{}, "", ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.Cost)
	if err != nil {
		return User{}, "", fmt.Errorf("hash password: %w", err)
	}

	u := User{ID: uuid.NewString(), Email: email, CreatedAt: s.now().UTC()}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`), u.ID, u.Email, string(hash), s.timeArg(u.CreatedAt))
	if db.IsUniqueViolation(err) {
		// lost a race with a concurrent sign-up
		return User{}, "", ErrEmailTaken
	}
	if err != nil {
		return User{}, "", fmt.Errorf("insert user: %w", err)
	}

	token, err := GenerateToken(s.secret, u.ID, u.Email)
	if err != nil {
		return User{}, "", fmt.Errorf("sign token: %w", err)
	}
	return u, token, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (User, string, error) {
	u, hash, err := s.lookup(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return User{}, "", ErrInvalidCredentials
	}
	if err != nil {
		return User{}, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.secret, u.ID, u.Email)
	if err != nil {
		return User{}, "", fmt.Errorf("sign token: %w", err)
	}
	return u, token, nil
}

func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	var (
		u       User
		created any
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, email, created_at FROM users WHERE id = ?
	`), userID).Scan(&u.ID, &u.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = toTime(created)
	return u, nil
}

// DeleteAccount removes the user together with everything they own.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1) goals
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM goals WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("delete goals: %w", err)
	}

	// 2) счётчик ревизий есть только в sqlite
	if s.driver == db.SQLite {
		if _, err := tx.ExecContext(ctx, `DELETE FROM goal_revisions WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete goal revisions: %w", err)
		}
	}

	// 3) analytics_events
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM analytics_events WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("delete analytics events: %w", err)
	}

	// 4) users
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, email string) (User, string, error) {
	var (
		u       User
		hash    string
		created any
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, email, password_hash, created_at FROM users WHERE email = ?
	`), email).Scan(&u.ID, &u.Email, &hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, "", ErrNotFound
	}
	if err != nil {
		return User{}, "", fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = toTime(created)
	return u, hash, nil
}

func (s *Service) q(query string) string {
	return db.Rebind(s.driver, query)
}

// sqlite keeps timestamps as unix nanoseconds.
func (s *Service) timeArg(t time.Time) any {
	if s.driver == db.SQLite {
		return t.UnixNano()
	}
	return t
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case int64:
		return time.Unix(0, t).UTC()
	default:
		return time.Time{}
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
