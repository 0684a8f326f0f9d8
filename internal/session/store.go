// Package session persists the logged-in browser state between scrape runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lof-monitor/internal/browser"
)

// Options configure where state lives and how it is probed.
type Options struct {
	StatePath string
	// ProbeURL is a page that only renders data for logged-in users.
	ProbeURL string
	// LoginRoute appearing in the final URL means the site bounced us to login.
	LoginRoute string
	// RowSelector must match once the probe page rendered its table.
	RowSelector string
	WaitTimeout time.Duration
}

// Store reads and writes the saved storage state.
type Store struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Store.
func New(opts Options, logger zerolog.Logger) *Store {
	if opts.LoginRoute == "" {
		opts.LoginRoute = "login"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	return &Store{opts: opts, logger: logger.With().Str("component", "session").Logger()}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.opts.StatePath
}

// HasSavedState reports whether a state file exists.
func (s *Store) HasSavedState() bool {
	if s.opts.StatePath == "" {
		return false
	}
	info, err := os.Stat(s.opts.StatePath)
	return err == nil && !info.IsDir()
}

// Load opens a session seeded with the saved state.
func (s *Store) Load(ctx context.Context, b browser.Browser) (browser.Session, error) {
	s.logger.Info().Str("path", s.opts.StatePath).Msg("加载已保存的登录状态")
	sess, err := b.NewSession(ctx, browser.SessionOptions{StatePath: s.opts.StatePath})
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	return sess, nil
}

// Save overwrites the state file with the session's current cookies and storage.
// Readers never observe a partially written file.
func (s *Store) Save(ctx context.Context, sess browser.Session) error {
	if s.opts.StatePath == "" {
		return errors.New("session: state path not configured")
	}

	state, err := sess.StorageState(ctx)
	if err != nil {
		return err
	}

	if err := writeAtomic(s.opts.StatePath, state); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	s.logger.Info().Str("path", s.opts.StatePath).Int("bytes", len(state)).Msg("登录状态已保存")
	return nil
}

// IsValid navigates page to the probe URL and reports whether it rendered as a
// logged-in user. Any failure counts as invalid.
func (s *Store) IsValid(ctx context.Context, page browser.Page) bool {
	if err := page.Navigate(ctx, s.opts.ProbeURL); err != nil {
		s.logger.Warn().Err(err).Msg("检查登录状态时出错")
		return false
	}

	if strings.Contains(page.URL(), s.opts.LoginRoute) {
		s.logger.Info().Str("url", page.URL()).Msg("登录状态已失效")
		return false
	}

	if err := page.WaitForRows(ctx, s.opts.RowSelector, s.opts.WaitTimeout); err != nil {
		s.logger.Info().Err(err).Msg("无法加载数据，登录可能已过期")
		return false
	}

	s.logger.Debug().Msg("登录状态有效")
	return true
}

// Discard removes the state file. A missing file is not an error.
func (s *Store) Discard() error {
	if s.opts.StatePath == "" {
		return nil
	}
	if err := os.Remove(s.opts.StatePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session state: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
