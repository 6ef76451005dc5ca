// Package config loads and validates audit configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
	"github.com/JakeFAU/govtrack-audit/internal/resolver"
)

// EnvPrefix namespaces environment overrides (GOVAUDIT_AUDIT_TRIAL_NAME, ...).
const EnvPrefix = "GOVAUDIT"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Audit    AuditConfig    `mapstructure:"audit"`
	Visit    VisitConfig    `mapstructure:"visit"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Locator  LocatorConfig  `mapstructure:"locator"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// AuditConfig describes what one run visits and where it writes.
type AuditConfig struct {
	TrialName        string `mapstructure:"trial_name"`
	Location         string `mapstructure:"location"`
	WebsitesPath     string `mapstructure:"websites_path"`
	WebsitesN        int    `mapstructure:"websites_n"`
	BrowserN         int    `mapstructure:"browser_n"`
	Headless         bool   `mapstructure:"headless"`
	MaxCookies       int    `mapstructure:"max_cookies"`
	RandomSeed       int64  `mapstructure:"random_seed"`
	SeedProfile      string `mapstructure:"seed_profile"`
	StoreScreenshots bool   `mapstructure:"store_screenshots"`
	StoreSource      bool   `mapstructure:"store_source"`
	OutputDir        string `mapstructure:"output_dir"`
	ProfilesDir      string `mapstructure:"profiles_dir"`
}

// VisitConfig controls each page visit.
type VisitConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	DwellMin   time.Duration `mapstructure:"dwell_min"`
	DwellMax   time.Duration `mapstructure:"dwell_max"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	// HostRPS paces navigations per host; 0 disables pacing.
	HostRPS float64 `mapstructure:"host_rps"`
}

// ScheduleConfig is the active-hours window in local wall-clock hours.
type ScheduleConfig struct {
	ActiveStart  int           `mapstructure:"active_start"`
	ActiveStop   int           `mapstructure:"active_stop"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// BrowserConfig tunes the Chrome instances.
type BrowserConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// LocatorConfig configures the originating-location lookup.
type LocatorConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig enables the status server and Pushgateway push.
type MetricsConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// StorageConfig enables manifest replication to GCS.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the Postgres run registry.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// New returns a Viper instance with defaults and environment overrides
// installed. Callers may bind flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the optional config file at path and decodes v into a Config.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("audit.trial_name", "test_trial")
	v.SetDefault("audit.location", "")
	v.SetDefault("audit.websites_path", "./resources/governmental_websites/governmental_websites.json")
	v.SetDefault("audit.websites_n", 0)
	v.SetDefault("audit.browser_n", 1)
	v.SetDefault("audit.headless", false)
	v.SetDefault("audit.max_cookies", 0)
	v.SetDefault("audit.random_seed", 0)
	v.SetDefault("audit.seed_profile", "")
	v.SetDefault("audit.store_screenshots", false)
	v.SetDefault("audit.store_source", false)
	v.SetDefault("audit.output_dir", "./output")
	v.SetDefault("audit.profiles_dir", "./resources/profiles")
	v.SetDefault("visit.timeout", audit.DefaultVisitTimeout)
	v.SetDefault("visit.dwell_min", audit.DefaultDwellMin)
	v.SetDefault("visit.dwell_max", audit.DefaultDwellMax)
	v.SetDefault("visit.max_retries", 2)
	v.SetDefault("visit.retry_base", 2*time.Second)
	v.SetDefault("visit.host_rps", 0)
	v.SetDefault("schedule.active_start", 8)
	v.SetDefault("schedule.active_stop", 19)
	v.SetDefault("schedule.poll_interval", time.Second)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("locator.enabled", true)
	v.SetDefault("locator.url", "https://ipinfo.io/json")
	v.SetDefault("locator.timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "govaudit")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "audits")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "audit_runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Audit.TrialName) == "" {
		return errors.New("audit.trial_name is required")
	}
	if c.Audit.WebsitesPath == "" {
		return errors.New("audit.websites_path is required")
	}
	if c.Audit.BrowserN <= 0 {
		return fmt.Errorf("audit.browser_n must be > 0, got %d", c.Audit.BrowserN)
	}
	if c.Audit.WebsitesN < 0 {
		return fmt.Errorf("audit.websites_n must be >= 0, got %d", c.Audit.WebsitesN)
	}
	if c.Audit.MaxCookies < 0 {
		return fmt.Errorf("audit.max_cookies must be >= 0, got %d", c.Audit.MaxCookies)
	}
	if c.Audit.RandomSeed < 0 || uint64(c.Audit.RandomSeed) > resolver.MaxSeed {
		return fmt.Errorf("audit.random_seed must be in [0, %d], got %d", resolver.MaxSeed, c.Audit.RandomSeed)
	}
	if c.Visit.Timeout <= 0 {
		return errors.New("visit.timeout must be > 0")
	}
	if c.Visit.DwellMin < 0 || c.Visit.DwellMin > c.Visit.DwellMax {
		return fmt.Errorf("visit.dwell_min (%s) must be within [0, visit.dwell_max (%s)]", c.Visit.DwellMin, c.Visit.DwellMax)
	}
	if c.Visit.MaxRetries < 0 {
		return errors.New("visit.max_retries must be >= 0")
	}
	if c.Visit.HostRPS < 0 {
		return errors.New("visit.host_rps must be >= 0")
	}
	if c.Schedule.ActiveStart < 0 || c.Schedule.ActiveStart > 23 ||
		c.Schedule.ActiveStop < 0 || c.Schedule.ActiveStop > 23 {
		return fmt.Errorf("schedule active hours must be in [0,23], got %d-%d",
			c.Schedule.ActiveStart, c.Schedule.ActiveStop)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// AuditName derives the run's name for the given day.
func (c Config) AuditName(day time.Time) string {
	return audit.AuditName(c.Audit.TrialName, c.Audit.Location, day)
}

// RunConfig produces the immutable run configuration for one audit.
func (c Config) RunConfig(auditName string, resolved resolver.Result) audit.RunConfig {
	return audit.RunConfig{
		AuditName:   auditName,
		TrialName:   c.Audit.TrialName,
		Location:    c.Audit.Location,
		URLs:        resolved.URLs,
		SampleSize:  resolved.SampleSize,
		BrowserN:    c.Audit.BrowserN,
		Headless:    c.Audit.Headless,
		MaxCookies:  c.Audit.MaxCookies,
		RandomSeed:  resolved.Seed,
		SeedProfile: c.Audit.SeedProfile,
		Capture: audit.CaptureFlags{
			Screenshot: c.Audit.StoreScreenshots,
			Source:     c.Audit.StoreSource,
		},
		VisitTimeout: c.Visit.Timeout,
		DwellMin:     c.Visit.DwellMin,
		DwellMax:     c.Visit.DwellMax,
	}
}

// Seed returns the configured seed as the resolver expects it.
func (c Config) Seed() uint64 {
	if c.Audit.RandomSeed <= 0 {
		return 0
	}
	return uint64(c.Audit.RandomSeed)
}
