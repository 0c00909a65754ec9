package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"wyd-backend/internal/analytics"
	"wyd-backend/internal/db"
)

var testSecret = []byte("test-secret")

func newTestService(t *testing.T) *Service {
	t.Helper()

	database, err := db.Connect(db.SQLite, filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database, db.SQLite))

	svc := NewService(database, db.SQLite, testSecret)
	svc.Cost = bcrypt.MinCost
	return svc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestToken_RoundTrip(t *testing.T) {
	token, err := GenerateToken(testSecret, "u1", "a@b.c")
	require.NoError(t, err)

	sess, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, "u1", sess.UserID)
	require.Equal(t, "a@b.c", sess.Email)
	require.Equal(t, token, sess.Token)
}

func TestToken_Rejects(t *testing.T) {
	good, err := GenerateToken(testSecret, "u1", "a@b.c")
	require.NoError(t, err)

	_, err = ParseToken([]byte("other"), good)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := generateTokenAt(testSecret, "u1", "a@b.c", time.Now().Add(-31*24*time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(testSecret, expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, noUser)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken(testSecret, "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	token, err := GenerateToken(testSecret, "u1", "a@b.c")
	require.NoError(t, err)

	var gotUID, gotAnalytics string
	h := New(testSecret).Wrap(func(w http.ResponseWriter, r *http.Request) {
		gotUID, _ = UserIDFromContext(r.Context())
		gotAnalytics, _ = analytics.UserIDFromContext(r.Context())
		sess, ok := SessionFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "a@b.c", sess.Email)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rr := httptest.NewRecorder()
	h(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	h(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "u1", gotUID)
	require.Equal(t, "u1", gotAnalytics)
}

func TestService_RegisterLoginMe(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, token, err := svc.Register(ctx, "  Alice@Example.com ", "secret1")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, "alice@example.com", u.Email)

	sess, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, u.ID, sess.UserID)

	_, _, err = svc.Register(ctx, "alice@example.com", "another1")
	require.ErrorIs(t, err, ErrEmailTaken)

	logged, _, err := svc.Login(ctx, "ALICE@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, u.ID, logged.ID)

	_, _, err = svc.Login(ctx, "alice@example.com", "wrong-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "secret1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	me, err := svc.Me(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Email, me.Email)
	require.WithinDuration(t, u.CreatedAt, me.CreatedAt, time.Microsecond)

	_, err = svc.Me(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_RegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "", "secret1")
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, _, err = svc.Register(ctx, "no-at-sign", "secret1")
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, _, err = svc.Register(ctx, "a@b.c", "12345")
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestService_DeleteAccount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "bob@example.com", "secret1")
	require.NoError(t, err)
	_, err = svc.db.ExecContext(ctx,
		`INSERT INTO goals (id, user_id, title, created_at) VALUES ('g1', ?, 'x', 1)`, u.ID)
	require.NoError(t, err)

	rec := analytics.NewRecorder(svc.db, db.SQLite, discardLogger())
	require.True(t, rec.Log(ctx, analytics.Envelope{UserID: u.ID, Platform: "cli"}, "goal_created", nil, ""))

	require.NoError(t, svc.DeleteAccount(ctx, u.ID))

	var n int
	require.NoError(t, svc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals`).Scan(&n))
	require.Zero(t, n)
	require.NoError(t, svc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events`).Scan(&n))
	require.Zero(t, n)
	_, err = svc.Me(ctx, u.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, svc.DeleteAccount(ctx, u.ID), ErrNotFound)
}

func TestHandlers_RegisterAndLogout(t *testing.T) {
	svc := newTestService(t)
	rec := analytics.NewRecorder(svc.db, db.SQLite, discardLogger())

	body, _ := json.Marshal(credentials{Email: "c@d.e", Password: "secret1"})
	rr := httptest.NewRecorder()
	RegisterHandler(svc, rec, discardLogger())(rr, httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)

	rr = httptest.NewRecorder()
	RegisterHandler(svc, rec, discardLogger())(rr, httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	bad, _ := json.Marshal(credentials{Email: "c@d.e", Password: "nope-nope"})
	LoginHandler(svc, rec, discardLogger())(rr, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(bad)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	var signedOut string
	h := New(testSecret).Wrap(LogoutHandler(func(uid string) { signedOut = uid }))
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rr = httptest.NewRecorder()
	h(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, resp.UserID, signedOut)
}

func TestService_ConcurrentRegisterSameEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, err := svc.Register(ctx, "race@example.com", "secret1")
			errs <- err
		}()
	}

	ok := 0
	for i := 0; i < n; i++ {
		err := <-errs
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrEmailTaken)
	}
	require.Equal(t, 1, ok)
}
