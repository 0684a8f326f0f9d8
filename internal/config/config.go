package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"lof-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Site      SiteConfig      `mapstructure:"site"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	API       APIConfig       `mapstructure:"api"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// SchedulerConfig governs the scrape window and cadence.
type SchedulerConfig struct {
	StartHour          int           `mapstructure:"start_hour"`
	EndHour            int           `mapstructure:"end_hour"`
	MinIntervalMinutes int           `mapstructure:"min_interval_minutes"`
	MaxIntervalMinutes int           `mapstructure:"max_interval_minutes"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
}

// MinInterval returns the lower interval bound as a duration.
func (s SchedulerConfig) MinInterval() time.Duration {
	return time.Duration(s.MinIntervalMinutes) * time.Minute
}

// MaxInterval returns the upper interval bound as a duration.
func (s SchedulerConfig) MaxInterval() time.Duration {
	return time.Duration(s.MaxIntervalMinutes) * time.Minute
}

// SiteConfig describes the fund site: credentials, pages and selectors.
type SiteConfig struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	StateFile string `mapstructure:"state_file"`

	LoginURL     string `mapstructure:"login_url"`
	LoginRoute   string `mapstructure:"login_route"`
	ArbitrageURL string `mapstructure:"arbitrage_url"`
	CommodityURL string `mapstructure:"commodity_url"`
	IndexURL     string `mapstructure:"index_url"`

	Selectors SelectorConfig `mapstructure:"selectors"`

	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// SelectorConfig lists CSS selectors used against the site.
type SelectorConfig struct {
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Remember      string `mapstructure:"remember"`
	Agree         string `mapstructure:"agree"`
	Submit        string `mapstructure:"submit"`
	Identity      string `mapstructure:"identity"`
	ArbitrageRows string `mapstructure:"arbitrage_rows"`
	ApplyAll      string `mapstructure:"apply_all"`
	CommodityRows string `mapstructure:"commodity_rows"`
	IndexRows     string `mapstructure:"index_rows"`
	IndexSort     string `mapstructure:"index_sort"`
}

// BrowserConfig controls the headless browser.
type BrowserConfig struct {
	Headless       bool   `mapstructure:"headless"`
	ExecutablePath string `mapstructure:"executable_path"`
	// SkipInstall assumes the playwright driver and chromium are already present.
	SkipInstall bool `mapstructure:"skip_install"`
}

// APIConfig covers the read-only HTTP API.
type APIConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Listen            string   `mapstructure:"listen"`
	Token             string   `mapstructure:"token"`
	AllowedIPs        []string `mapstructure:"allowed_ips"`
	DefaultMinPremium float64  `mapstructure:"default_min_premium"`
}

// AlertingConfig defines run outcome notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOFMONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lofmonitor")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("scheduler.start_hour", 7)
	v.SetDefault("scheduler.end_hour", 24)
	v.SetDefault("scheduler.min_interval_minutes", 50)
	v.SetDefault("scheduler.max_interval_minutes", 70)
	v.SetDefault("scheduler.startup_delay", "5s")
	v.SetDefault("scheduler.job_timeout", "5m")
	v.SetDefault("scheduler.shutdown_grace", "10s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x4c4f464d))

	// empty defaults make these keys visible to AutomaticEnv during Unmarshal
	v.SetDefault("site.username", "")
	v.SetDefault("site.password", "")
	v.SetDefault("site.state_file", "/tmp/jisilu_auth_state.json")
	v.SetDefault("site.login_url", "https://www.jisilu.cn/account/login/")
	v.SetDefault("site.login_route", "login")
	v.SetDefault("site.arbitrage_url", "https://www.jisilu.cn/data/lof/#arb")
	v.SetDefault("site.commodity_url", "https://www.jisilu.cn/data/qdii/#qdiie")
	v.SetDefault("site.index_url", "https://www.jisilu.cn/data/lof/#index")
	v.SetDefault("site.navigation_timeout", "30s")
	v.SetDefault("site.wait_timeout", "30s")
	v.SetDefault("site.login_timeout", "10s")
	v.SetDefault("site.settle_delay", "1s")

	v.SetDefault("site.selectors.username", `input[name="user_name"]`)
	v.SetDefault("site.selectors.password", `input[name="password"]`)
	v.SetDefault("site.selectors.remember", `input[name="auto_login"]`)
	v.SetDefault("site.selectors.agree", `.user_agree input[type="checkbox"]`)
	v.SetDefault("site.selectors.submit", `a.btn-jisilu[href*="login"]`)
	v.SetDefault("site.selectors.identity", ".user-name, .nav-user")
	v.SetDefault("site.selectors.arbitrage_rows", "#flex_arb tbody tr")
	v.SetDefault("site.selectors.apply_all", "#apply_all")
	v.SetDefault("site.selectors.commodity_rows", "#flex_qdiic tbody tr")
	v.SetDefault("site.selectors.index_rows", "#flex_index tbody tr")
	v.SetDefault("site.selectors.index_sort", "#flex_index th[data-field=premium_rt]")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.skip_install", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8000")
	v.SetDefault("api.token", "")
	v.SetDefault("api.allowed_ips", []string{"*"})
	v.SetDefault("api.default_min_premium", 3.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_rows", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.StartHour < 0 || s.StartHour > 23 {
		return fmt.Errorf("scheduler.start_hour must be within [0,23]")
	}
	if s.EndHour < 1 || s.EndHour > 24 {
		return fmt.Errorf("scheduler.end_hour must be within [1,24]")
	}
	if s.StartHour >= s.EndHour {
		return fmt.Errorf("scheduler.start_hour must be before scheduler.end_hour")
	}
	if s.MinIntervalMinutes < 1 {
		return fmt.Errorf("scheduler.min_interval_minutes must be at least 1")
	}
	if s.MaxIntervalMinutes < s.MinIntervalMinutes {
		return fmt.Errorf("scheduler.max_interval_minutes cannot be below min_interval_minutes")
	}
	if s.JobTimeout <= 0 {
		return fmt.Errorf("scheduler.job_timeout must be greater than zero")
	}
	if c.Site.StateFile == "" {
		return fmt.Errorf("site.state_file 必须配置")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateScrape checks what a scrape run needs beyond Validate.
func (c *Config) ValidateScrape() error {
	if c.Site.Username == "" || c.Site.Password == "" {
		return fmt.Errorf("site.username 和 site.password 必须配置")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	return nil
}

// AllowsAnyIP reports whether the API allow-list is disabled.
func (a APIConfig) AllowsAnyIP() bool {
	if len(a.AllowedIPs) == 0 {
		return true
	}
	for _, ip := range a.AllowedIPs {
		if strings.TrimSpace(ip) == "*" {
			return true
		}
	}
	return false
}
