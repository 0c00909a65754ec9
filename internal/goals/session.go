package goals

import (
	"context"

	"wyd-backend/internal/session"
)

// SessionSource is what FollowSession needs from a session provider.
type SessionSource interface {
	Listen(fn func(*session.Session)) (remove func())
}

// FollowSession ties the store's lifetime to the signed-in session: it
// opens the store for the principal on sign-in, switches principals when
// the session changes hands and closes the store on sign-out. The returned
// func stops following and closes the store.
func FollowSession(ctx context.Context, src SessionSource, s *Store) (unbind func()) {
	remove := src.Listen(func(sess *session.Session) {
		if sess == nil {
			s.Close()
			return
		}
		if s.State() == StateSubscribed && s.Principal() == sess.UserID {
			return
		}
		if err := s.Open(ctx, sess.UserID); err != nil {
			s.logger.Error("open goal store for session failed", "principal", sess.UserID, "error", err)
			s.report(err)
		}
	})
	return func() {
		remove()
		s.Close()
	}
}
