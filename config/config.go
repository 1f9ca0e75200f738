package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/scraper"
)

// EnvPrefix namespaces every environment override, e.g. TRACKER_START_URL.
const EnvPrefix = "TRACKER"

// Config holds all application configuration.
type Config struct {
	StartURL           string         `mapstructure:"start_url" validate:"required,url"`
	DelaySeconds       float64        `mapstructure:"delay_seconds" validate:"gte=0"`
	MaxPages           int            `mapstructure:"max_pages" validate:"gt=0"`
	OutputDir          string         `mapstructure:"output_dir" validate:"required"`
	FilePrefix         string         `mapstructure:"file_prefix" validate:"required"`
	NavTimeoutSeconds  int            `mapstructure:"nav_timeout_seconds" validate:"gt=0"`
	ClickTimeoutMs     int            `mapstructure:"click_timeout_ms" validate:"gt=0"`
	Scroll             ScrollConfig   `mapstructure:"scroll"`
	SweepNoGrowthLimit int            `mapstructure:"sweep_no_growth_limit" validate:"gt=0"`
	Enrich             EnrichConfig   `mapstructure:"enrich"`
	Media              MediaConfig    `mapstructure:"media"`
	ChromeBin          string         `mapstructure:"chrome_bin"`
	DailyRun           string         `mapstructure:"daily_run" validate:"required"`
	Timezone           string         `mapstructure:"timezone" validate:"required"`
	ListenAddr         string         `mapstructure:"listen_addr" validate:"required"`
	Auth               AuthConfig     `mapstructure:"auth"`
	Postgres           PostgresConfig `mapstructure:"postgres"`
	SQLite             SQLiteConfig   `mapstructure:"sqlite"`
	Redis              RedisConfig    `mapstructure:"redis"`
	Memcache           MemcacheConfig `mapstructure:"memcache"`
}

type ScrollLimits struct {
	MaxScrolls      int `mapstructure:"max_scrolls" validate:"gt=0"`
	StagnationLimit int `mapstructure:"stagnation_limit" validate:"gt=0"`
}

type ScrollConfig struct {
	Initial ScrollLimits `mapstructure:"initial"`
	Next    ScrollLimits `mapstructure:"next"`
	Sweep   ScrollLimits `mapstructure:"sweep"`
}

type EnrichConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Workers int  `mapstructure:"workers" validate:"gte=1,lte=16"`
	Limit   int  `mapstructure:"limit" validate:"gte=0"`
}

type MediaConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`
}

// AuthConfig guards the dashboard API with HTTP basic auth.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// Required reports whether requests must carry credentials.
func (a AuthConfig) Required() bool {
	return a.Enabled && (a.Username != "" || a.Password != "")
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	DB     int    `mapstructure:"db" validate:"gte=0"`
	Stream string `mapstructure:"stream" validate:"required"`
	MaxLen int64  `mapstructure:"max_len" validate:"gte=0"`
}

type MemcacheConfig struct {
	Addr     string `mapstructure:"addr"`
	TTLHours int    `mapstructure:"ttl_hours" validate:"gte=0"`
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("start_url", "https://www.autoscout24.es/profesionales/love-cars")
	v.SetDefault("delay_seconds", 1.2)
	v.SetDefault("max_pages", 200)
	v.SetDefault("output_dir", "./output")
	v.SetDefault("file_prefix", "listings")
	v.SetDefault("nav_timeout_seconds", 60)
	v.SetDefault("click_timeout_ms", 2000)
	v.SetDefault("scroll.initial.max_scrolls", 18)
	v.SetDefault("scroll.initial.stagnation_limit", 3)
	v.SetDefault("scroll.next.max_scrolls", 12)
	v.SetDefault("scroll.next.stagnation_limit", 2)
	v.SetDefault("scroll.sweep.max_scrolls", 10)
	v.SetDefault("scroll.sweep.stagnation_limit", 2)
	v.SetDefault("sweep_no_growth_limit", 2)
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.workers", 2)
	v.SetDefault("enrich.limit", 0)
	v.SetDefault("media.enabled", true)
	v.SetDefault("media.rate_per_second", 2.0)
	v.SetDefault("chrome_bin", "")
	v.SetDefault("daily_run", "08:15")
	v.SetDefault("timezone", "Europe/Madrid")
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.realm", "Listing Monitor")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("sqlite.path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "listing-events")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("memcache.addr", "")
	v.SetDefault("memcache.ttl_hours", 12)
}

// Load reads the optional .env file, the optional config file at path and
// the environment, then validates the result.
func Load(path string) (*Config, error) {
	// .env is optional; process env wins over it
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, trackererrors.NewConfiguration("expand config path "+path, err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, trackererrors.NewConfiguration("read config "+expanded, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, trackererrors.NewConfiguration("decode config", err)
	}

	if user, ok := os.LookupEnv("AUTH_USER"); ok {
		cfg.Auth.Username = user
	}
	if pass, ok := os.LookupEnv("AUTH_PASS"); ok {
		cfg.Auth.Password = pass
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the fields that need parsing.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return trackererrors.NewConfiguration("validation failed", err)
	}
	if _, _, err := c.DailyTime(); err != nil {
		return trackererrors.NewConfiguration("daily_run must be HH:MM", err)
	}
	if _, err := c.Location(); err != nil {
		return trackererrors.NewConfiguration("unknown timezone "+c.Timezone, err)
	}
	return nil
}

// DailyTime returns the hour and minute of the scheduled run.
func (c *Config) DailyTime() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.DailyRun))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// DiscoveryOptions maps the config onto discovery engine options.
func (c *Config) DiscoveryOptions() scraper.Options {
	opts := scraper.DefaultOptions(c.StartURL)
	opts.Delay = c.Delay()
	opts.MaxPages = c.MaxPages
	opts.NavTimeout = time.Duration(c.NavTimeoutSeconds) * time.Second
	opts.ClickTimeout = time.Duration(c.ClickTimeoutMs) * time.Millisecond
	opts.Initial = scraper.StrategyLimits(c.Scroll.Initial)
	opts.Next = scraper.StrategyLimits(c.Scroll.Next)
	opts.Sweep = scraper.StrategyLimits(c.Scroll.Sweep)
	opts.SweepNoGrowthLimit = c.SweepNoGrowthLimit
	return opts
}

// EnrichOptions maps the config onto detail enrichment options.
func (c *Config) EnrichOptions() scraper.EnrichOptions {
	return scraper.EnrichOptions{
		Workers:    c.Enrich.Workers,
		Limit:      c.Enrich.Limit,
		Delay:      c.Delay(),
		NavTimeout: time.Duration(c.NavTimeoutSeconds) * time.Second,
		Retries:    2,
	}
}

func (c *Config) MemcacheTTL() time.Duration {
	return time.Duration(c.Memcache.TTLHours) * time.Hour
}

func (c *Config) String() string {
	return fmt.Sprintf("start=%s pages=%d delay=%.1fs enrich=%t/%d media=%t out=%s",
		c.StartURL, c.MaxPages, c.DelaySeconds, c.Enrich.Enabled, c.Enrich.Workers, c.Media.Enabled, c.OutputDir)
}
