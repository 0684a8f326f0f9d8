// Package browser describes the small slice of headless-browser behaviour the scraper
// needs, so the extraction logic can run against either playwright or a fake.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed browser or session.
var ErrClosed = errors.New("browser: closed")

// Cell holds what the page renders for one table cell.
type Cell struct {
	Text       string `json:"text"`
	HTML       string `json:"html"`
	Color      string `json:"color"`
	Background string `json:"background"`
}

// Row is a table row as a slice of cells.
type Row []Cell

// Page is a single tab.
type Page interface {
	// Navigate loads url and waits for the network to settle.
	Navigate(ctx context.Context, url string) error
	// URL reports the current location.
	URL() string
	// WaitForRows waits until selector matches at least one element.
	WaitForRows(ctx context.Context, selector string, timeout time.Duration) error
	// Exists reports whether selector matches anything right now.
	Exists(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// Check ticks a checkbox unless it already is.
	Check(ctx context.Context, selector string) error
	// Pause lets in-page scripts refresh the DOM.
	Pause(ctx context.Context, d time.Duration) error
	// ReadRows returns text, markup and computed colors of every cell of every row
	// matched by rowSelector.
	ReadRows(ctx context.Context, rowSelector string) ([]Row, error)
}

// Session is an isolated cookie/storage context with one page.
type Session interface {
	Page() Page
	// StorageState serialises cookies and local storage.
	StorageState(ctx context.Context) ([]byte, error)
	Close() error
}

// SessionOptions configure a new session.
type SessionOptions struct {
	// StatePath restores a previously saved storage state when set.
	StatePath string
}

// Browser owns a running browser process.
type Browser interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// Launcher starts a browser; one per scrape run.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}
