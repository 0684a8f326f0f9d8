package fetcher

import (
	"context"
	"errors"
	"time"

	"lof-monitor/internal/fund"
)

// ErrLoginFailed aborts a run before any dataset is extracted.
var ErrLoginFailed = errors.New("fetcher: login failed")

// Extractor opens an authenticated browsing session against the fund site.
type Extractor interface {
	Open(ctx context.Context) (Extraction, error)
}

// Extraction reads the three datasets from one logged-in session.
type Extraction interface {
	Arbitrage(ctx context.Context) ([]fund.ArbitrageRow, error)
	Commodity(ctx context.Context) ([]fund.CommodityRow, error)
	Index(ctx context.Context) ([]fund.IndexRow, error)
	// Close releases the page, context and browser. Safe to call more than once.
	Close() error
}

// LoginOptions describe the login form.
type LoginOptions struct {
	URL              string
	Username         string
	Password         string
	UserSelector     string
	PasswordSelector string
	RememberSelector string
	AgreeSelector    string
	SubmitSelector   string
	// IdentitySelector matches markup only shown to logged-in users.
	IdentitySelector string
	// Route is the URL fragment identifying the login page.
	Route        string
	Timeout      time.Duration
	PollInterval time.Duration
}

// DatasetOptions locate one table on the site.
type DatasetOptions struct {
	URL         string
	RowSelector string
	// TriggerSelector is clicked TriggerClicks times after rows show up.
	TriggerSelector string
	TriggerClicks   int
}

// Options configure the jisilu extractor.
type Options struct {
	Login       LoginOptions
	Arbitrage   DatasetOptions
	Commodity   DatasetOptions
	Index       DatasetOptions
	WaitTimeout time.Duration
	// SettleDelay is how long in-page scripts get to redraw after a trigger click.
	SettleDelay time.Duration
}
