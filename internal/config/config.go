// Package config loads and validates frontier configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Load      LoadConfig      `mapstructure:"load"`
	Generate  GenerateConfig  `mapstructure:"generate"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	URLFilter URLFilterConfig `mapstructure:"urlfilter"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey protects the /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// DSN is a Postgres connection string or an SQLite file path.
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FetchConfig configures the native HTTP protocol.
type FetchConfig struct {
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes  int               `mapstructure:"max_body_bytes"`
	Headers       map[string]string `mapstructure:"headers"`
	HostRPS       float64           `mapstructure:"host_rps"`
	HostBurst     int               `mapstructure:"host_burst"`
	HostOverrides []HostRate        `mapstructure:"host_overrides"`
}

// HostRate overrides the request rate for one host. Hosts are listed rather
// than keyed because Viper splits map keys on dots.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HeadlessConfig configures the browser protocol.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	// Promote re-renders native fetches that look like app shells.
	Promote       bool `mapstructure:"promote"`
	ThinBodyBytes int  `mapstructure:"thin_body_bytes"`
}

// LoadConfig configures the load orchestrator and link parsing.
type LoadConfig struct {
	BatchParallelism int `mapstructure:"batch_parallelism"`
	MaxLinks         int `mapstructure:"max_links"`
	// DefaultOptions is a load-option string applied when a caller sends none.
	DefaultOptions string `mapstructure:"default_options"`
}

// GenerateConfig bounds one generation pass and the worker pool draining it.
type GenerateConfig struct {
	TopN       int              `mapstructure:"top_n"`
	Range      crawler.KeyRange `mapstructure:"range"`
	Workers    int              `mapstructure:"workers"`
	QueueDepth int              `mapstructure:"queue_depth"`
}

// PublishConfig announces generated batches on Pub/Sub. Leaving either field
// empty keeps announcements in memory.
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether both the project and topic are set.
func (c PublishConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// ScheduleConfig tunes the adaptive fetch schedule.
type ScheduleConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	IncRate         float64       `mapstructure:"inc_rate"`
	DecRate         float64       `mapstructure:"dec_rate"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	MaxRetries      uint32        `mapstructure:"max_retries"`
}

// TrackerConfig tunes fetch failure tracking.
type TrackerConfig struct {
	HostGoneThreshold int `mapstructure:"host_gone_threshold"`
}

// URLFilterConfig configures normalization and accept/reject rules.
type URLFilterConfig struct {
	StripParams   []string `mapstructure:"strip_params"`
	Rules         []string `mapstructure:"rules"`
	BlockedHosts  []string `mapstructure:"blocked_hosts"`
	DefaultAccept bool     `mapstructure:"default_accept"`
}

// CrawlerConfig holds frontier filter knobs.
type CrawlerConfig struct {
	MaxDistance     uint32             `mapstructure:"max_distance"`
	RegenerateSeeds bool               `mapstructure:"regenerate_seeds"`
	Regenerate      bool               `mapstructure:"regenerate"`
	Normalize       bool               `mapstructure:"normalize"`
	Filter          bool               `mapstructure:"filter"`
	KeyRanges       []crawler.KeyRange `mapstructure:"key_ranges"`
	BannedURLs      []string           `mapstructure:"banned_urls"`
	LowWatermark    int64              `mapstructure:"low_watermark"`
	AheadWindow     time.Duration      `mapstructure:"ahead_window"`
	AheadMinGap     time.Duration      `mapstructure:"ahead_min_gap"`
	ReclaimMinAge   time.Duration      `mapstructure:"reclaim_min_age"`
	ReclaimMaxAge   time.Duration      `mapstructure:"reclaim_max_age"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "crawl_records")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("fetch.user_agent", "crawl-frontier/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.host_rps", 1.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.ready_timeout", 15*time.Second)
	v.SetDefault("headless.thin_body_bytes", 2048)
	v.SetDefault("load.batch_parallelism", 8)
	v.SetDefault("load.max_links", 500)
	v.SetDefault("generate.top_n", 1000)
	v.SetDefault("generate.workers", 4)
	v.SetDefault("generate.queue_depth", 64)
	v.SetDefault("schedule.default_interval", 24*time.Hour)
	v.SetDefault("schedule.min_interval", time.Hour)
	v.SetDefault("schedule.max_interval", 90*24*time.Hour)
	v.SetDefault("schedule.retry_base", time.Hour)
	v.SetDefault("schedule.max_retries", 3)
	v.SetDefault("tracker.host_gone_threshold", 3)
	v.SetDefault("urlfilter.strip_params", []string{"utm_*", "fbclid", "gclid"})
	v.SetDefault("urlfilter.default_accept", true)
	v.SetDefault("crawler.max_distance", 5)
	v.SetDefault("crawler.normalize", true)
	v.SetDefault("crawler.filter", true)
	v.SetDefault("crawler.low_watermark", 0)
	v.SetDefault("crawler.ahead_window", 6*time.Hour)
	v.SetDefault("crawler.ahead_min_gap", 6*time.Hour)
	v.SetDefault("crawler.reclaim_min_age", 24*time.Hour)
	v.SetDefault("crawler.reclaim_max_age", 72*time.Hour)
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, sqlite", c.Store.Backend)
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Promote && !c.Headless.Enabled {
		return errors.New("headless.promote requires headless.enabled")
	}
	if c.Generate.Workers <= 0 {
		return errors.New("generate.workers must be > 0")
	}
	if c.Schedule.MinInterval > c.Schedule.MaxInterval {
		return errors.New("schedule.min_interval must not exceed schedule.max_interval")
	}
	if c.Crawler.ReclaimMinAge > c.Crawler.ReclaimMaxAge {
		return errors.New("crawler.reclaim_min_age must not exceed crawler.reclaim_max_age")
	}
	if c.Load.DefaultOptions != "" {
		if _, err := crawler.ParseLoadOptions(c.Load.DefaultOptions); err != nil {
			return fmt.Errorf("load.default_options: %w", err)
		}
	}
	return nil
}

// HTTPHeaders converts the configured fetch headers.
func (c FetchConfig) HTTPHeaders() http.Header {
	if len(c.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		out.Set(k, v)
	}
	return out
}

// HostRates returns the per-host overrides keyed by host.
func (c FetchConfig) HostRates() map[string]float64 {
	out := make(map[string]float64, len(c.HostOverrides))
	for _, hr := range c.HostOverrides {
		out[strings.ToLower(hr.Host)] = hr.RPS
	}
	return out
}
