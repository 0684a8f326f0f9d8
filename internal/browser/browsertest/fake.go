// Package browsertest provides an in-memory browser.Launcher for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"lof-monitor/internal/browser"
)

// ErrNotFound is returned when a selector never matches.
var ErrNotFound = errors.New("browsertest: selector not found")

// Login describes the fake login form.
type Login struct {
	URL            string
	UserSelector   string
	PassSelector   string
	ButtonSelector string
	Username       string
	Password       string
	// LandingURL is where a successful login navigates. Empty keeps the page on URL.
	LandingURL string
	// Markers become present on every page once logged in.
	Markers []string
}

// Site is a scripted website shared by every session the launcher creates.
type Site struct {
	mu sync.Mutex

	Login Login
	// Protected URLs redirect to Login.URL for sessions that are not logged in.
	Protected map[string]bool
	// Tables maps page URL then row selector to the rows rendered there.
	Tables map[string]map[string][]browser.Row
	// Elements maps page URL to selectors that exist on it besides table rows.
	Elements map[string][]string
	// OnClick runs after a click on selector; n is the click count for that selector
	// within the session.
	OnClick map[string]func(s *Site, n int)
	// BeforeNavigate may block or fail navigation.
	BeforeNavigate func(ctx context.Context, url string) error
	// ReadErr makes ReadRows fail for a row selector.
	ReadErr map[string]error
	// LaunchErr makes Launch fail.
	LaunchErr error

	token    string
	epoch    int
	launches int
	logins   int
	open     int
	clicks   map[string]int
	checked  map[string]bool
	visits   []string
}

// NewSite returns a site with empty maps.
func NewSite(login Login) *Site {
	return &Site{
		Login:     login,
		Protected: map[string]bool{},
		Tables:    map[string]map[string][]browser.Row{},
		Elements:  map[string][]string{},
		OnClick:   map[string]func(*Site, int){},
		ReadErr:   map[string]error{},
		token:     "session-1",
		clicks:    map[string]int{},
		checked:   map[string]bool{},
	}
}

// SetRows replaces the rows a page renders for selector.
func (s *Site) SetRows(url, selector string, rows []browser.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Tables[url] == nil {
		s.Tables[url] = map[string][]browser.Row{}
	}
	s.Tables[url][selector] = rows
}

// Expire invalidates every previously issued storage state.
func (s *Site) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.token = fmt.Sprintf("session-%d", s.epoch+1)
}

// Launches reports how many browsers were started.
func (s *Site) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Logins reports successful form logins.
func (s *Site) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// OpenBrowsers reports browsers launched and not yet closed.
func (s *Site) OpenBrowsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Clicks reports how many times selector was clicked across sessions.
func (s *Site) Clicks(selector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clicks[selector]
}

// Checked reports whether a checkbox was ticked.
func (s *Site) Checked(selector string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checked[selector]
}

// Visits returns navigated URLs in order.
func (s *Site) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

// Launcher implements browser.Launcher over a Site.
type Launcher struct {
	Site *Site
}

// Launch starts a fake browser.
func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := l.Site
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LaunchErr != nil {
		return nil, s.LaunchErr
	}
	s.launches++
	s.open++
	return &fakeBrowser{site: s}, nil
}

type fakeBrowser struct {
	site   *Site
	mu     sync.Mutex
	closed bool
}

type storageState struct {
	Token string `json:"token"`
}

func (b *fakeBrowser) NewSession(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, browser.ErrClosed
	}

	authed := false
	if opts.StatePath != "" {
		raw, err := os.ReadFile(opts.StatePath)
		if err != nil {
			return nil, fmt.Errorf("read storage state: %w", err)
		}
		var state storageState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode storage state: %w", err)
		}
		b.site.mu.Lock()
		authed = state.Token == b.site.token
		b.site.mu.Unlock()
	}

	sess := &fakeSession{}
	sess.page = &fakePage{site: b.site, authed: authed, form: map[string]string{}, clicks: map[string]int{}}
	return sess, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.site.mu.Lock()
	b.site.open--
	b.site.mu.Unlock()
	return nil
}

type fakeSession struct {
	page   *fakePage
	closed bool
}

func (s *fakeSession) Page() browser.Page { return s.page }

func (s *fakeSession) StorageState(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := storageState{}
	s.page.mu.Lock()
	authed := s.page.authed
	s.page.mu.Unlock()
	if authed {
		s.page.site.mu.Lock()
		state.Token = s.page.site.token
		s.page.site.mu.Unlock()
	}
	return json.Marshal(state)
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakePage struct {
	site   *Site
	mu     sync.Mutex
	url    string
	authed bool
	form   map[string]string
	clicks map[string]int
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := p.site.BeforeNavigate; hook != nil {
		if err := hook(ctx, url); err != nil {
			return err
		}
	}

	p.site.mu.Lock()
	p.site.visits = append(p.site.visits, url)
	protected := p.site.Protected[url]
	loginURL := p.site.Login.URL
	p.site.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if protected && !p.authed {
		p.url = loginURL + "?next=" + url
		return nil
	}
	p.url = url
	return nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) WaitForRows(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.rows(selector)) == 0 {
		return fmt.Errorf("wait for %s: %w", selector, ErrNotFound)
	}
	return nil
}

func (p *fakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(p.rows(selector)) > 0 {
		return true, nil
	}

	p.mu.Lock()
	url, authed := p.url, p.authed
	p.mu.Unlock()

	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	for _, el := range p.site.Elements[pageKey(url)] {
		if el == selector {
			return true, nil
		}
	}
	if authed {
		for _, m := range p.site.Login.Markers {
			if m == selector {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.form[selector] = value
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.clicks[selector]++
	n := p.clicks[selector]
	onLogin := strings.HasPrefix(p.url, p.site.Login.URL)
	user, pass := p.form[p.site.Login.UserSelector], p.form[p.site.Login.PassSelector]
	p.mu.Unlock()

	p.site.mu.Lock()
	p.site.clicks[selector]++
	login := p.site.Login
	hook := p.site.OnClick[selector]
	p.site.mu.Unlock()

	if selector == login.ButtonSelector && onLogin &&
		user == login.Username && pass == login.Password && login.Username != "" {
		p.site.mu.Lock()
		p.site.logins++
		p.site.mu.Unlock()

		p.mu.Lock()
		p.authed = true
		if login.LandingURL != "" {
			p.url = login.LandingURL
		}
		p.mu.Unlock()
	}

	if hook != nil {
		hook(p.site, n)
	}
	return nil
}

func (p *fakePage) Check(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	p.site.checked[selector] = true
	return nil
}

func (p *fakePage) Pause(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (p *fakePage) ReadRows(ctx context.Context, rowSelector string) ([]browser.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.site.mu.Lock()
	readErr := p.site.ReadErr[rowSelector]
	p.site.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}
	return p.rows(rowSelector), nil
}

func (p *fakePage) rows(selector string) []browser.Row {
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()

	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	src := p.site.Tables[pageKey(url)][selector]
	out := make([]browser.Row, len(src))
	for i, row := range src {
		out[i] = append(browser.Row(nil), row...)
	}
	return out
}

// pageKey drops the redirect query added for protected pages.
func pageKey(url string) string {
	if i := strings.Index(url, "?next="); i >= 0 {
		return url[:i]
	}
	return url
}

// TextRow builds a row of plain cells.
func TextRow(texts ...string) browser.Row {
	row := make(browser.Row, len(texts))
	for i, t := range texts {
		row[i] = browser.Cell{Text: t, HTML: t}
	}
	return row
}

var (
	_ browser.Launcher = (*Launcher)(nil)
	_ browser.Browser  = (*fakeBrowser)(nil)
	_ browser.Session  = (*fakeSession)(nil)
	_ browser.Page     = (*fakePage)(nil)
)
