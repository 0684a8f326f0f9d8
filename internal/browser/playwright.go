package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

// readRowsScript collects every cell of the matched rows in one round trip. Text color
// is read from the first nested span/font/link when there is one.
const readRowsScript = `rows => rows.map(row => Array.from(row.querySelectorAll('td')).map(td => {
	const inner = td.querySelector('span, font, a') || td;
	return {
		text: td.innerText || '',
		html: td.innerHTML || '',
		color: getComputedStyle(inner).color || '',
		background: getComputedStyle(td).backgroundColor || ''
	};
}))`

// PlaywrightOptions configure the chromium launcher.
type PlaywrightOptions struct {
	Headless       bool
	ExecutablePath string
	// InstallDriver downloads the playwright driver on first launch.
	InstallDriver bool
	// InstallBrowsers also downloads browsers during that install.
	InstallBrowsers bool
	DefaultTimeout  time.Duration
	NavTimeout      time.Duration
}

// PlaywrightLauncher starts chromium through playwright-go.
type PlaywrightLauncher struct {
	opts        PlaywrightOptions
	logger      zerolog.Logger
	installOnce sync.Once
	installErr  error
}

// NewPlaywrightLauncher constructs a launcher.
func NewPlaywrightLauncher(opts PlaywrightOptions, logger zerolog.Logger) *PlaywrightLauncher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	return &PlaywrightLauncher{opts: opts, logger: logger.With().Str("component", "browser").Logger()}
}

// Launch starts the driver and a chromium instance.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.opts.InstallDriver {
		l.installOnce.Do(func() {
			l.logger.Info().Bool("browsers", l.opts.InstallBrowsers).Msg("installing playwright driver")
			l.installErr = playwright.Install(&playwright.RunOptions{
				SkipInstallBrowsers: !l.opts.InstallBrowsers,
				Verbose:             false,
			})
		})
		if l.installErr != nil {
			return nil, fmt.Errorf("install playwright: %w", l.installErr)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(l.opts.Headless)}
	if l.opts.ExecutablePath != "" {
		launch.ExecutablePath = playwright.String(l.opts.ExecutablePath)
	}

	br, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	l.logger.Debug().Bool("headless", l.opts.Headless).Msg("chromium launched")
	return &pwBrowser{pw: pw, browser: br, opts: l.opts}, nil
}

type pwBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    PlaywrightOptions

	mu     sync.Mutex
	closed bool
}

func (b *pwBrowser) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.StatePath != "" {
		ctxOpts.StorageStatePath = playwright.String(opts.StatePath)
	}

	bctx, err := b.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(millis(b.opts.DefaultTimeout))

	return &pwSession{bctx: bctx, page: &pwPage{page: page, navTimeout: b.opts.NavTimeout}}, nil
}

func (b *pwBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if err := b.browser.Close(); err != nil {
		firstErr = fmt.Errorf("close chromium: %w", err)
	}
	if err := b.pw.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop playwright: %w", err)
	}
	return firstErr
}

type pwSession struct {
	bctx playwright.BrowserContext
	page *pwPage
	once sync.Once
	err  error
}

func (s *pwSession) Page() Page { return s.page }

func (s *pwSession) StorageState(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := s.bctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	return json.Marshal(state)
}

func (s *pwSession) Close() error {
	s.once.Do(func() {
		s.err = s.bctx.Close()
	})
	return s.err
}

type pwPage struct {
	page       playwright.Page
	navTimeout time.Duration
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(millis(boundedBy(ctx, p.navTimeout))),
	})
	if err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}
	return nil
}

func (p *pwPage) URL() string { return p.page.URL() }

func (p *pwPage) WaitForRows(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(millis(boundedBy(ctx, timeout))),
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := p.page.Locator(selector).Count()
	if err != nil {
		return false, fmt.Errorf("count %s: %w", selector, err)
	}
	return n > 0, nil
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Locator(selector).First().Fill(value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Locator(selector).First().Click(); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Check(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.Locator(selector).First().Check(); err != nil {
		return fmt.Errorf("check %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *pwPage) ReadRows(ctx context.Context, rowSelector string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := p.page.Locator(rowSelector).EvaluateAll(readRowsScript)
	if err != nil {
		return nil, fmt.Errorf("read rows %s: %w", rowSelector, err)
	}

	// EvaluateAll yields nested []interface{}/map values; round-trip through JSON
	// to get typed cells.
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	var rows []Row
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// boundedBy shortens d so it never outlives ctx's deadline.
func boundedBy(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			if remaining < time.Millisecond {
				return time.Millisecond
			}
			return remaining
		}
	}
	return d
}

func millis(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}

var (
	_ Launcher = (*PlaywrightLauncher)(nil)
	_ Browser  = (*pwBrowser)(nil)
	_ Session  = (*pwSession)(nil)
	_ Page     = (*pwPage)(nil)
)
