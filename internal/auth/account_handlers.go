package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// LogoutHandler calls onSignOut with the caller's user id so live goal
// stores for that user are shut down.
func LogoutHandler(onSignOut func(userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// JWT stateless => токен не отзывается, фронт просто удаляет его.
		if onSignOut != nil {
			onSignOut(uid)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
		})
	}
}

func DeleteAccountHandler(svc *Service, onSignOut func(userID string), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := UserIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if onSignOut != nil {
			onSignOut(uid)
		}

		err := svc.DeleteAccount(r.Context(), uid)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("delete account failed", "user_id", uid, "error", err)
			http.Error(w, "delete account failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
		})
	}
}
