package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProvider_ListenSeesCurrentAndTransitions(t *testing.T) {
	var p Provider
	p.SignIn(Session{UserID: "u1", Email: "a@b.c"})

	var seen []string
	remove := p.Listen(func(s *Session) {
		if s == nil {
			seen = append(seen, "-")
			return
		}
		seen = append(seen, s.UserID)
	})

	p.SignOut()
	p.SignOut() // already signed out, no event
	p.SignIn(Session{UserID: "u2"})
	remove()
	p.SignIn(Session{UserID: "u3"})

	require.Equal(t, []string{"u1", "-", "u2"}, seen)
	require.Equal(t, "u3", p.Current().UserID)
}

func TestProvider_CurrentIsACopy(t *testing.T) {
	var p Provider
	require.Nil(t, p.Current())

	p.SignIn(Session{UserID: "u1"})
	cur := p.Current()
	cur.UserID = "changed"
	require.Equal(t, "u1", p.Current().UserID)
}

func TestFileStore_SaveLoadClear(t *testing.T) {
	fs := FileStore{Path: filepath.Join(t.TempDir(), "nested", "session.yaml")}

	_, err := fs.Load()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, fs.Save(Session{UserID: "u1", Email: "a@b.c", Token: "tok"}))
	loaded, err := fs.Load()
	require.NoError(t, err)
	require.Equal(t, Session{UserID: "u1", Email: "a@b.c", Token: "tok"}, *loaded)

	require.NoError(t, fs.Clear())
	require.NoError(t, fs.Clear())
	_, err = fs.Load()
	require.ErrorIs(t, err, ErrNoSession)
}
