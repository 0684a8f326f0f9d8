package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lof-monitor/internal/browser"
	"lof-monitor/internal/session"
)

// Jisilu drives a headless browser through login and the dataset pages.
type Jisilu struct {
	launcher browser.Launcher
	sessions *session.Store
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// NewJisilu constructs the extractor.
func NewJisilu(launcher browser.Launcher, sessions *session.Store, opts Options, logger zerolog.Logger) *Jisilu {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Login.Route == "" {
		opts.Login.Route = "login"
	}
	if opts.Login.Timeout <= 0 {
		opts.Login.Timeout = 10 * time.Second
	}
	if opts.Login.PollInterval <= 0 {
		opts.Login.PollInterval = 500 * time.Millisecond
	}
	return &Jisilu{
		launcher: launcher,
		sessions: sessions,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "fetcher_jisilu").Logger(),
	}
}

// Open launches a browser and returns an authenticated extraction. The saved session
// is reused when still valid; otherwise a fresh login runs and its state is saved.
func (j *Jisilu) Open(ctx context.Context) (Extraction, error) {
	b, err := j.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	sess := j.reuse(ctx, b)
	if sess == nil {
		if err := ctx.Err(); err != nil {
			_ = b.Close()
			return nil, err
		}
		j.logger.Info().Msg("需要重新登录")
		sess, err = j.login(ctx, b)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	return &extraction{
		j:       j,
		browser: b,
		session: sess,
		page:    sess.Page(),
		logger:  j.logger,
	}, nil
}

func (j *Jisilu) reuse(ctx context.Context, b browser.Browser) browser.Session {
	if j.sessions == nil || !j.sessions.HasSavedState() {
		return nil
	}

	sess, err := j.sessions.Load(ctx, b)
	if err != nil {
		j.logger.Warn().Err(err).Msg("加载登录状态失败")
		return nil
	}
	if !j.sessions.IsValid(ctx, sess.Page()) {
		_ = sess.Close()
		return nil
	}

	j.logger.Info().Msg("使用已保存的登录状态，跳过登录步骤")
	return sess
}

func (j *Jisilu) login(ctx context.Context, b browser.Browser) (browser.Session, error) {
	lo := j.opts.Login
	if lo.Username == "" || lo.Password == "" {
		return nil, fmt.Errorf("%w: credentials not configured", ErrLoginFailed)
	}

	sess, err := b.NewSession(ctx, browser.SessionOptions{})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	if err := j.submitLogin(ctx, sess.Page()); err != nil {
		_ = sess.Close()
		return nil, err
	}

	if j.sessions != nil {
		if err := j.sessions.Save(ctx, sess); err != nil {
			j.logger.Warn().Err(err).Msg("保存登录状态失败")
		}
	}
	return sess, nil
}

func (j *Jisilu) submitLogin(ctx context.Context, page browser.Page) error {
	lo := j.opts.Login

	if err := page.Navigate(ctx, lo.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := page.Fill(ctx, lo.UserSelector, lo.Username); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := page.Fill(ctx, lo.PasswordSelector, lo.Password); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	for _, sel := range []string{lo.RememberSelector, lo.AgreeSelector} {
		if sel == "" {
			continue
		}
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		if !ok {
			continue
		}
		if err := page.Check(ctx, sel); err != nil {
			j.logger.Warn().Err(err).Str("selector", sel).Msg("勾选复选框失败")
		}
	}

	if err := page.Click(ctx, lo.SubmitSelector); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	attempts := int(lo.Timeout / lo.PollInterval)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := page.Pause(ctx, lo.PollInterval); err != nil {
			return fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		if !strings.Contains(page.URL(), lo.Route) {
			j.logger.Info().Str("url", page.URL()).Msg("登录成功")
			return nil
		}
		if lo.IdentitySelector != "" {
			if ok, err := page.Exists(ctx, lo.IdentitySelector); err == nil && ok {
				j.logger.Info().Msg("登录成功（通过用户信息确认）")
				return nil
			}
		}
	}

	return fmt.Errorf("%w: still on login page after %s", ErrLoginFailed, lo.Timeout)
}

type extraction struct {
	j       *Jisilu
	browser browser.Browser
	session browser.Session
	page    browser.Page
	logger  zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// load brings the page to ds, waits for rows, fires the trigger and returns every row.
func (e *extraction) load(ctx context.Context, ds DatasetOptions) ([]browser.Row, error) {
	if e.page.URL() != ds.URL {
		if err := e.page.Navigate(ctx, ds.URL); err != nil {
			return nil, err
		}
	}
	if strings.Contains(e.page.URL(), e.j.opts.Login.Route) {
		return nil, fmt.Errorf("redirected to login at %s", e.page.URL())
	}

	if err := e.page.WaitForRows(ctx, ds.RowSelector, e.j.opts.WaitTimeout); err != nil {
		return nil, err
	}

	if ds.TriggerSelector != "" && ds.TriggerClicks > 0 {
		ok, err := e.page.Exists(ctx, ds.TriggerSelector)
		if err != nil {
			return nil, err
		}
		if ok {
			for i := 0; i < ds.TriggerClicks; i++ {
				if err := e.page.Click(ctx, ds.TriggerSelector); err != nil {
					return nil, err
				}
				if err := e.page.Pause(ctx, e.j.opts.SettleDelay); err != nil {
					return nil, err
				}
			}
		} else {
			e.logger.Debug().Str("selector", ds.TriggerSelector).Msg("trigger control not present")
		}
	}

	rows, err := e.page.ReadRows(ctx, ds.RowSelector)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("url", ds.URL).Int("rows", len(rows)).Msg("找到表格行")
	return rows, nil
}

func (e *extraction) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.session.Close(), e.browser.Close())
	})
	return e.closeErr
}

var (
	_ Extractor  = (*Jisilu)(nil)
	_ Extraction = (*extraction)(nil)
)
