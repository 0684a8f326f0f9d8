package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"lof-monitor/internal/alerting"
	"lof-monitor/internal/api"
	"lof-monitor/internal/browser"
	"lof-monitor/internal/config"
	"lof-monitor/internal/fetcher"
	"lof-monitor/internal/fund"
	"lof-monitor/internal/scheduler"
	"lof-monitor/internal/service"
	"lof-monitor/internal/session"
	"lof-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSessions() *session.Store {
	site := a.Config.Site
	return session.New(session.Options{
		StatePath:   site.StateFile,
		ProbeURL:    site.ArbitrageURL,
		LoginRoute:  site.LoginRoute,
		RowSelector: site.Selectors.ArbitrageRows,
		WaitTimeout: site.WaitTimeout,
	}, a.Logger)
}

func (a *App) newExtractor() *fetcher.Jisilu {
	site := a.Config.Site
	sel := site.Selectors

	launcher := browser.NewPlaywrightLauncher(browser.PlaywrightOptions{
		Headless:        a.Config.Browser.Headless,
		ExecutablePath:  a.Config.Browser.ExecutablePath,
		InstallDriver:   !a.Config.Browser.SkipInstall,
		InstallBrowsers: !a.Config.Browser.SkipInstall && a.Config.Browser.ExecutablePath == "",
		DefaultTimeout:  site.WaitTimeout,
		NavTimeout:      site.NavigationTimeout,
	}, a.Logger)

	return fetcher.NewJisilu(launcher, a.newSessions(), fetcher.Options{
		Login: fetcher.LoginOptions{
			URL:              site.LoginURL,
			Username:         site.Username,
			Password:         site.Password,
			UserSelector:     sel.Username,
			PasswordSelector: sel.Password,
			RememberSelector: sel.Remember,
			AgreeSelector:    sel.Agree,
			SubmitSelector:   sel.Submit,
			IdentitySelector: sel.Identity,
			Route:            site.LoginRoute,
			Timeout:          site.LoginTimeout,
		},
		Arbitrage:   fetcher.DatasetOptions{URL: site.ArbitrageURL, RowSelector: sel.ArbitrageRows, TriggerSelector: sel.ApplyAll, TriggerClicks: 1},
		Commodity:   fetcher.DatasetOptions{URL: site.CommodityURL, RowSelector: sel.CommodityRows},
		Index:       fetcher.DatasetOptions{URL: site.IndexURL, RowSelector: sel.IndexRows, TriggerSelector: sel.IndexSort, TriggerClicks: 2},
		WaitTimeout: site.WaitTimeout,
		SettleDelay: site.SettleDelay,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store) *service.Service {
	return service.New(a.newExtractor(), store, a.newNotifier(), service.Options{
		LockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

func (a *App) newScheduler(job scheduler.JobFunc) (*scheduler.Scheduler, error) {
	cfg := a.Config.Scheduler
	policy := scheduler.Policy{
		StartHour:   cfg.StartHour,
		EndHour:     cfg.EndHour,
		MinInterval: cfg.MinInterval(),
		MaxInterval: cfg.MaxInterval(),
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler policy: %w", err)
	}
	return scheduler.New(scheduler.Options{
		Planner:       policy,
		StartupDelay:  cfg.StartupDelay,
		JobTimeout:    cfg.JobTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		Rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, job, a.Logger), nil
}

// Run executes the long-running scrape scheduler together with the read-only API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateScrape(); err != nil {
		return err
	}
	if a.Config.API.Enabled && a.Config.API.Token == "" {
		return errors.New("api.token must be configured when the api is enabled")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	svc := a.newService(store)
	sched, err := a.newScheduler(svc.Tick)
	if err != nil {
		return err
	}
	sched.OnTimeout(svc.RecordTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if a.Config.API.Enabled {
		minPremium := decimal.NewFromFloat(a.Config.API.DefaultMinPremium)
		handler := api.NewHandler(store, sched, minPremium, a.Logger)
		router := api.NewRouter(handler, api.RouterOptions{
			Token:      a.Config.API.Token,
			AllowedIPs: a.Config.API.AllowedIPs,
		}, a.Logger)
		server := api.NewServer(a.Config.API.Listen, router, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	} else {
		a.Logger.Info().Msg("api disabled; running scheduler only")
	}

	a.Logger.Info().
		Int("start_hour", a.Config.Scheduler.StartHour).
		Int("end_hour", a.Config.Scheduler.EndHour).
		Msg("应用启动完成")
	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("应用已关闭")
	return nil
}

// Scrape performs one run immediately and returns an error when it failed.
func (a *App) Scrape(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateScrape(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	ctx, cancelRun := context.WithTimeout(ctx, a.Config.Scheduler.JobTimeout)
	defer cancelRun()

	res, err := a.newService(store).Scrape(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		return errors.New("another process holds the scrape lock")
	}
	a.Logger.Info().
		Int("arbitrage", res.Arbitrage).
		Int("commodity", res.Commodity).
		Int("index", res.Index).
		Dur("elapsed", res.Duration).
		Msg("scrape finished")
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// Logout discards the saved browser session so the next run logs in again.
func (a *App) Logout() error {
	sessions := a.newSessions()
	if err := sessions.Discard(); err != nil {
		return err
	}
	a.Logger.Info().Str("path", sessions.Path()).Msg("saved session discarded")
	return nil
}

// ExportOptions hold parameters for exporting the current snapshot.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	// Dataset selects the CSV source; the PNG chart always plots arbitrage premiums.
	Dataset    fund.Kind
	MinPremium *decimal.Decimal
	MaxRows    int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	MinPremium *decimal.Decimal
	Logs       int
}
