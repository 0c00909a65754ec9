package goals

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"wyd-backend/internal/analytics"
	"wyd-backend/internal/auth"
)

func ListGoalsHandler(pool *Pool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		s, release, err := pool.Acquire(r.Context(), uid)
		if err != nil {
			logger.Error("acquire goal store", "user_id", uid, "error", err)
			http.Error(w, "goal store unavailable", http.StatusServiceUnavailable)
			return
		}
		defer release()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Goals())
	}
}

// StreamGoalsHandler sends every new list as an SSE "goals" event until
// the client goes away or the user's session ends.
func StreamGoalsHandler(pool *Pool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		s, release, err := pool.Acquire(r.Context(), uid)
		if err != nil {
			logger.Error("acquire goal store", "user_id", uid, "error", err)
			http.Error(w, "goal store unavailable", http.StatusServiceUnavailable)
			return
		}
		defer release()

		// only the newest list matters; a slow client skips the ones in between
		var (
			mu     sync.Mutex
			latest []Goal
			wake   = make(chan struct{}, 1)
		)
		stop := s.Observe(func(list []Goal) {
			mu.Lock()
			latest = list
			mu.Unlock()
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer stop()

		// signed out between Acquire and Observe; the close went unseen
		if s.State() != StateSubscribed {
			writeStoreError(w, ErrNotOpen)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, s.Goals()); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-wake:
			}

			mu.Lock()
			list := latest
			mu.Unlock()

			if err := writeEvent(w, list); err != nil {
				logger.Debug("goal stream write", "user_id", uid, "error", err)
				return
			}
			flusher.Flush()

			if s.State() != StateSubscribed {
				// signed out
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, list []Goal) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: goals\ndata: %s\n\n", data)
	return err
}

func CreateGoalHandler(pool *Pool, rec *analytics.Recorder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		title := strings.TrimSpace(body.Title)
		if title == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}

		s, release, err := pool.Acquire(r.Context(), uid)
		if err != nil {
			logger.Error("acquire goal store", "user_id", uid, "error", err)
			http.Error(w, "goal store unavailable", http.StatusServiceUnavailable)
			return
		}
		defer release()

		if err := s.Add(title); err != nil {
			writeStoreError(w, err)
			return
		}

		// analytics: goal_created (НЕ логируем сырой текст)
		{
			env := analytics.FromRequest(r)
			env.UserID = uid
			props := map[string]any{
				"text_len":     len(title),
				"input_method": "text",
			}
			_ = rec.Log(r.Context(), env, "goal_created", props, analytics.SourceEventKeyFromRequest(r))
		}

		writeAccepted(w)
	}
}

func DeleteGoalHandler(pool *Pool, rec *analytics.Recorder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		goalID := mux.Vars(r)["id"]

		s, release, err := pool.Acquire(r.Context(), uid)
		if err != nil {
			logger.Error("acquire goal store", "user_id", uid, "error", err)
			http.Error(w, "goal store unavailable", http.StatusServiceUnavailable)
			return
		}
		defer release()

		if err := s.Delete(Goal{ID: goalID}); err != nil {
			writeStoreError(w, err)
			return
		}

		env := analytics.FromRequest(r)
		env.UserID = uid
		_ = rec.Log(r.Context(), env, "goal_deleted", map[string]any{"goal_id": goalID}, analytics.SourceEventKeyFromRequest(r))

		writeAccepted(w)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotOpen) {
		http.Error(w, "signed out", http.StatusConflict)
		return
	}
	http.Error(w, "goal store error", http.StatusInternalServerError)
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}
