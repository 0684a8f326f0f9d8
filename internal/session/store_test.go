package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lof-monitor/internal/browser"
	"lof-monitor/internal/browser/browsertest"
)

const (
	loginURL = "https://example.test/account/login/"
	arbURL   = "https://example.test/data/lof/#arb"
	rowSel   = "#flex_arb tbody tr"
)

func newSite() *browsertest.Site {
	site := browsertest.NewSite(browsertest.Login{
		URL:            loginURL,
		UserSelector:   "#user",
		PassSelector:   "#pass",
		ButtonSelector: "#go",
		Username:       "alice",
		Password:       "secret",
	})
	site.Protected[arbURL] = true
	site.SetRows(arbURL, rowSel, []browser.Row{browsertest.TextRow("161129", "原油LOF")})
	return site
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(Options{
		StatePath:   filepath.Join(t.TempDir(), "state", "auth.json"),
		ProbeURL:    arbURL,
		RowSelector: rowSel,
	}, zerolog.Nop())
}

func loggedInSession(t *testing.T, ctx context.Context, b browser.Browser) browser.Session {
	t.Helper()
	sess, err := b.NewSession(ctx, browser.SessionOptions{})
	require.NoError(t, err)
	page := sess.Page()
	require.NoError(t, page.Navigate(ctx, loginURL))
	require.NoError(t, page.Fill(ctx, "#user", "alice"))
	require.NoError(t, page.Fill(ctx, "#pass", "secret"))
	require.NoError(t, page.Click(ctx, "#go"))
	return sess
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	site := newSite()
	b, err := (&browsertest.Launcher{Site: site}).Launch(ctx)
	require.NoError(t, err)
	defer b.Close()

	store := newStore(t)
	require.False(t, store.HasSavedState())

	sess := loggedInSession(t, ctx, b)
	require.NoError(t, store.Save(ctx, sess))
	require.True(t, store.HasSavedState())

	restored, err := store.Load(ctx, b)
	require.NoError(t, err)
	require.True(t, store.IsValid(ctx, restored.Page()))
	require.Equal(t, arbURL, restored.Page().URL())
}

func TestSaveOverwritesWithoutLeftovers(t *testing.T) {
	ctx := context.Background()
	site := newSite()
	b, err := (&browsertest.Launcher{Site: site}).Launch(ctx)
	require.NoError(t, err)
	defer b.Close()

	store := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o700))
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"token":"stale"}`), 0o600))

	sess := loggedInSession(t, ctx, b)
	require.NoError(t, store.Save(ctx, sess))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not remain")

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestIsValidFalseWhenRedirectedToLogin(t *testing.T) {
	ctx := context.Background()
	site := newSite()
	b, err := (&browsertest.Launcher{Site: site}).Launch(ctx)
	require.NoError(t, err)
	defer b.Close()

	store := newStore(t)
	sess := loggedInSession(t, ctx, b)
	require.NoError(t, store.Save(ctx, sess))

	site.Expire()

	restored, err := store.Load(ctx, b)
	require.NoError(t, err)
	require.False(t, store.IsValid(ctx, restored.Page()))
}

func TestIsValidFalseWithoutRows(t *testing.T) {
	ctx := context.Background()
	site := newSite()
	site.SetRows(arbURL, rowSel, nil)
	b, err := (&browsertest.Launcher{Site: site}).Launch(ctx)
	require.NoError(t, err)
	defer b.Close()

	store := newStore(t)
	sess := loggedInSession(t, ctx, b)
	require.False(t, store.IsValid(ctx, sess.Page()))
}

func TestIsValidFalseOnNavigationError(t *testing.T) {
	ctx := context.Background()
	site := newSite()
	site.BeforeNavigate = func(context.Context, string) error { return errors.New("net::ERR_TIMED_OUT") }
	b, err := (&browsertest.Launcher{Site: site}).Launch(ctx)
	require.NoError(t, err)
	defer b.Close()

	sess, err := b.NewSession(ctx, browser.SessionOptions{})
	require.NoError(t, err)
	require.False(t, newStore(t).IsValid(ctx, sess.Page()))
}

func TestDiscard(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Discard(), "missing file is fine")

	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o700))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{}"), 0o600))
	require.True(t, store.HasSavedState())

	require.NoError(t, store.Discard())
	require.False(t, store.HasSavedState())
}
