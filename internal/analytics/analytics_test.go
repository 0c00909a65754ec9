package analytics

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wyd-backend/internal/db"
)

func newTestRecorder(t *testing.T) (*Recorder, *sql.DB) {
	t.Helper()
	database, err := db.Connect(db.SQLite, filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database, db.SQLite))

	return NewRecorder(database, db.SQLite, slog.New(slog.NewTextHandler(io.Discard, nil))), database
}

func countEvents(t *testing.T, database *sql.DB, name string) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM analytics_events WHERE event_name = ?`, name).Scan(&n))
	return n
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/goals", nil)
	r.Header.Set("X-Platform", "iOS")
	r.Header.Set("X-App-Version", " 1.2.0 ")
	r.Header.Set("X-Device-Locale", "en_US")
	r = r.WithContext(WithUserID(r.Context(), "u1"))

	env := FromRequest(r)
	require.Equal(t, Envelope{UserID: "u1", Platform: "ios", AppVersion: "1.2.0", DeviceLocale: "en_US"}, env)

	r.Header.Set("X-Platform", "toaster")
	require.Equal(t, "unknown", FromRequest(r).Platform)
}

func TestRecorder_SkipsAnonymousAndDuplicates(t *testing.T) {
	rec, database := newTestRecorder(t)
	ctx := context.Background()

	require.False(t, rec.Log(ctx, Envelope{}, "goal_created", nil, ""))
	require.True(t, rec.Log(WithUserID(ctx, "u1"), Envelope{}, "goal_created", map[string]any{"text_len": 7}, "k1"))
	require.False(t, rec.Log(ctx, Envelope{UserID: "u1"}, "goal_created", nil, "k1"))
	require.Equal(t, 1, countEvents(t, database, "goal_created"))

	var userID, props string
	var session sql.NullString
	require.NoError(t, database.QueryRow(`
		SELECT user_id, session_id, properties FROM analytics_events WHERE source_event_key = 'k1'
	`).Scan(&userID, &session, &props))
	require.Equal(t, "u1", userID)
	require.False(t, session.Valid)
	require.JSONEq(t, `{"text_len":7}`, props)

	// events without a key never collide
	require.True(t, rec.Log(ctx, Envelope{UserID: "u1"}, "goal_deleted", nil, ""))
	require.True(t, rec.Log(ctx, Envelope{UserID: "u1"}, "goal_deleted", nil, ""))
	require.Equal(t, 2, countEvents(t, database, "goal_deleted"))
}

func TestRecorder_DedupeSurvivesRestart(t *testing.T) {
	rec, database := newTestRecorder(t)
	ctx := context.Background()
	require.True(t, rec.Log(ctx, Envelope{UserID: "u1"}, "app_opened", nil, "open-1"))

	again := NewRecorder(database, db.SQLite, nil)
	require.False(t, again.Log(ctx, Envelope{UserID: "u1"}, "app_opened", nil, "open-1"))
	require.Equal(t, 1, countEvents(t, database, "app_opened"))
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var rec *Recorder
	require.False(t, rec.Log(context.Background(), Envelope{UserID: "u1"}, "x", nil, ""))
}

func TestAppOpenedHandler(t *testing.T) {
	rec, database := newTestRecorder(t)
	h := AppOpenedHandler(rec)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("POST", "/events/app_opened", nil))
	require.Equal(t, 401, w.Code)

	r := httptest.NewRequest("POST", "/events/app_opened", bytes.NewBufferString(`{"cold_start":true,"from":"spam"}`))
	r.Header.Set("Idempotency-Key", "open-7")
	r = r.WithContext(WithUserID(r.Context(), "u1"))
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, `{"ok":true,"recorded":true}`, w.Body.String())

	var props string
	require.NoError(t, database.QueryRow(`SELECT properties FROM analytics_events WHERE source_event_key = 'open-7'`).Scan(&props))
	require.JSONEq(t, `{"cold_start":true,"from":"unknown"}`, props)
}
