package auth

import (
	"context"
	"net/http"
	"strings"

	"wyd-backend/internal/analytics"
	"wyd-backend/internal/session"
)

type ctxKey string

const (
	userIDKey  ctxKey = "user_id"
	sessionKey ctxKey = "session"
)

type Middleware struct {
	secret []byte
}

func New(secret []byte) Middleware {
	return Middleware{secret: secret}
}

func (m Middleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(h, "Bearer ")
		sess, err := ParseToken(m.secret, tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithSession(r.Context(), sess)))
	}
}

// WithSession puts the signed-in session on ctx.
func WithSession(ctx context.Context, sess session.Session) context.Context {
	ctx = context.WithValue(ctx, userIDKey, sess.UserID)
	ctx = context.WithValue(ctx, sessionKey, sess)

	// прокидываем user_id в analytics context
	return analytics.WithUserID(ctx, sess.UserID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userIDKey).(string)
	return uid, ok && uid != ""
}

func SessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(session.Session)
	return sess, ok
}
