package goals_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"wyd-backend/internal/analytics"
	"wyd-backend/internal/auth"
	"wyd-backend/internal/goals"
	"wyd-backend/internal/memstore"
	"wyd-backend/internal/session"
)

// asUser stands in for the auth middleware.
func asUser(uid string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(auth.WithSession(r.Context(), session.Session{UserID: uid})))
	}
}

func newTestRouter(pool *goals.Pool, uid string) *mux.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// events are not under test here
	var rec *analytics.Recorder

	r := mux.NewRouter()
	r.HandleFunc("/goals", asUser(uid, goals.ListGoalsHandler(pool, logger))).Methods(http.MethodGet)
	r.HandleFunc("/goals/stream", asUser(uid, goals.StreamGoalsHandler(pool, logger))).Methods(http.MethodGet)
	r.HandleFunc("/goals", asUser(uid, goals.CreateGoalHandler(pool, rec, logger))).Methods(http.MethodPost)
	r.HandleFunc("/goals/{id}", asUser(uid, goals.DeleteGoalHandler(pool, rec, logger))).Methods(http.MethodDelete)
	return r
}

func listGoals(t *testing.T, h http.Handler) []goals.Goal {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/goals", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list []goals.Goal
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	return list
}

func TestHandlers_CreateListDelete(t *testing.T) {
	coll := memstore.New()
	pool := goals.NewPool(coll, testOptions())
	defer pool.Close()
	h := newTestRouter(pool, "u1")

	require.Empty(t, listGoals(t, h))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/goals", strings.NewReader(`{"title":"  Learn Go  "}`)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var list []goals.Goal
	require.Eventually(t, func() bool {
		list = listGoals(t, h)
		return len(list) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "Learn Go", list[0].Title)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/goals/"+list[0].ID, nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		return len(listGoals(t, h)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlers_CreateValidation(t *testing.T) {
	coll := memstore.New()
	pool := goals.NewPool(coll, testOptions())
	defer pool.Close()
	h := newTestRouter(pool, "u1")

	for _, body := range []string{`{"title":"   "}`, `{}`, `not json`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/goals", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	require.Zero(t, coll.Calls())
}

func TestHandlers_Unauthorized(t *testing.T) {
	pool := goals.NewPool(memstore.New(), testOptions())
	defer pool.Close()

	rr := httptest.NewRecorder()
	goals.ListGoalsHandler(pool, slog.Default())(rr, httptest.NewRequest(http.MethodGet, "/goals", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

type sseReader struct {
	sc *bufio.Scanner
}

// next returns the data of the next "goals" event, reading through the
// blank line that ends it.
func (r sseReader) next(t *testing.T) []goals.Goal {
	t.Helper()
	var event, data string
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			require.Equal(t, "goals", event)
			var list []goals.Goal
			require.NoError(t, json.Unmarshal([]byte(data), &list))
			return list
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", r.sc.Err())
	return nil
}

func TestHandlers_Stream(t *testing.T) {
	coll := memstore.New()
	coll.Put("u1", goals.Goal{ID: "g1", Title: "first", CreatedAt: t0})
	pool := goals.NewPool(coll, testOptions())
	defer pool.Close()

	srv := httptest.NewServer(newTestRouter(pool, "u1"))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/goals/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := sseReader{sc: bufio.NewScanner(resp.Body)}
	require.Equal(t, []string{"first"}, titles(events.next(t)))

	coll.Put("u1", goals.Goal{ID: "g0", Title: "zeroth", CreatedAt: t0.Add(-time.Minute)})
	require.Equal(t, []string{"zeroth", "first"}, titles(events.next(t)))

	// sign-out ends the stream with an empty list
	pool.Evict("u1")
	require.Empty(t, events.next(t))
	require.False(t, events.sc.Scan())
}

// evictingCollection signs the principal out while its subscribe is in
// flight.
type evictingCollection struct {
	*memstore.Collection
	pool *goals.Pool
}

func (c *evictingCollection) Subscribe(ctx context.Context, principalID string, deliver func(goals.Snapshot)) (goals.Subscription, error) {
	sub, err := c.Collection.Subscribe(ctx, principalID, deliver)
	c.pool.Evict(principalID)
	return sub, err
}

func TestHandlers_StreamAfterSignOutEndsAtOnce(t *testing.T) {
	coll := &evictingCollection{Collection: memstore.New()}
	pool := goals.NewPool(coll, testOptions())
	coll.pool = pool
	defer pool.Close()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rr := httptest.NewRecorder()
		newTestRouter(pool, "u1").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/goals/stream", nil))
		done <- rr
	}()

	select {
	case rr := <-done:
		require.Equal(t, http.StatusConflict, rr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept waiting on a closed store")
	}
}
