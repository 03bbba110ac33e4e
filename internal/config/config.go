// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-relay/internal/logging"
	"github.com/JakeFAU/catalog-relay/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	Session   SessionConfig    `mapstructure:"session"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Headless  HeadlessConfig   `mapstructure:"headless"`
	Extract   ExtractConfig    `mapstructure:"extract"`
	Ingest    IngestConfig     `mapstructure:"ingest"`
	Push      PushConfig       `mapstructure:"push"`
	Audit     AuditConfig      `mapstructure:"audit"`
	Storage   StorageConfig    `mapstructure:"storage"`
	DB        DBConfig         `mapstructure:"db"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Telegram  TelegramConfig   `mapstructure:"telegram"`
	Jobs      JobsConfig       `mapstructure:"jobs"`
	Logging   logging.Config   `mapstructure:"logging"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the periodic pipeline and pagination.
type CrawlerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	UserAgent    string        `mapstructure:"user_agent"`
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	InitialPages int           `mapstructure:"initial_pages"`
	SweepPages   int           `mapstructure:"sweep_pages"`
	PageSize     int           `mapstructure:"page_size"`
	MaxPages     int           `mapstructure:"max_pages"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	DefaultLimit int           `mapstructure:"default_limit"`
}

// SessionConfig controls cookie warm-up.
type SessionConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	WarmupRequests int           `mapstructure:"warmup_requests"`
	WarmupPath     string        `mapstructure:"warmup_path"`
	WarmupPause    time.Duration `mapstructure:"warmup_pause"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	DelayMin       time.Duration `mapstructure:"delay_min"`
	DelayMax       time.Duration `mapstructure:"delay_max"`
	AcceptLanguage string        `mapstructure:"accept_language"`
}

// RateLimitConfig configures the shared outbound limiter.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	WaitSelector string        `mapstructure:"wait_selector"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	NavTimeout   time.Duration `mapstructure:"nav_timeout"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	ExecPath     string        `mapstructure:"exec_path"`
}

// ExtractConfig tunes the extraction cascade.
type ExtractConfig struct {
	AllowPathCodes bool `mapstructure:"allow_path_codes"`
}

// IngestConfig tunes ingestion.
type IngestConfig struct {
	EnrichPause time.Duration `mapstructure:"enrich_pause"`
	EventTopic  string        `mapstructure:"event_topic"`
}

// PushConfig tunes fan-out.
type PushConfig struct {
	SendPause time.Duration `mapstructure:"send_pause"`
}

// AuditConfig controls delivery-audit retention.
type AuditConfig struct {
	PruneSchedule string        `mapstructure:"prune_schedule"`
	Retention     time.Duration `mapstructure:"retention"`
}

// StorageConfig selects where page snapshots are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelegramConfig configures the delivery bot.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// DefaultChatIDs are auto-subscribed to every record at startup.
	DefaultChatIDs []string `mapstructure:"default_chat_ids"`
	DefaultKind    string   `mapstructure:"default_kind"`
}

// JobsConfig sizes the ad hoc job worker pool.
type JobsConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("crawler.enabled", true)
	v.SetDefault("crawler.base_url", "https://missav.ai")
	v.SetDefault("crawler.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("crawler.interval", 15*time.Minute)
	v.SetDefault("crawler.startup_delay", 5*time.Second)
	v.SetDefault("crawler.initial_pages", 2)
	v.SetDefault("crawler.sweep_pages", 1)
	v.SetDefault("crawler.page_size", 12)
	v.SetDefault("crawler.max_pages", 10)
	v.SetDefault("crawler.page_delay", 2*time.Second)
	v.SetDefault("crawler.default_limit", 10)
	v.SetDefault("session.ttl", 10*time.Minute)
	v.SetDefault("session.warmup_requests", 3)
	v.SetDefault("session.warmup_path", "/new?page=2")
	v.SetDefault("session.warmup_pause", time.Second)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.delay_min", time.Second)
	v.SetDefault("http.delay_max", 3*time.Second)
	v.SetDefault("http.accept_language", "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7")
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.wait_selector", "div.group")
	v.SetDefault("headless.wait_timeout", 15*time.Second)
	v.SetDefault("headless.settle_delay", 3*time.Second)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("extract.allow_path_codes", true)
	v.SetDefault("ingest.enrich_pause", 200*time.Millisecond)
	v.SetDefault("ingest.event_topic", "record.ingested")
	v.SetDefault("push.send_pause", 500*time.Millisecond)
	v.SetDefault("audit.prune_schedule", "0 3 * * *")
	v.SetDefault("audit.retention", 30*24*time.Hour)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("telegram.default_kind", "supergroup")
	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.queue_depth", 32)
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "catalog-relay")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Crawler.validate(); err != nil {
		return err
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if c.Session.WarmupRequests < 0 {
		return fmt.Errorf("session.warmup_requests must be >= 0")
	}
	if c.HTTP.DelayMin < 0 || c.HTTP.DelayMax < c.HTTP.DelayMin {
		return fmt.Errorf("http.delay_min must be >= 0 and <= http.delay_max")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.WaitTimeout <= 0 {
		return fmt.Errorf("headless.wait_timeout must be > 0 when headless is enabled")
	}
	if c.Audit.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Audit.PruneSchedule); err != nil {
			return fmt.Errorf("audit.prune_schedule: %w", err)
		}
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func (c CrawlerConfig) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Enabled && c.Interval <= 0 {
		return fmt.Errorf("crawler.interval must be > 0 when the crawler is enabled")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("crawler.page_size must be > 0")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.InitialPages <= 0 || c.SweepPages <= 0 {
		return fmt.Errorf("crawler.initial_pages and crawler.sweep_pages must be > 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case "", StorageNone, StorageMemory:
		return nil
	case StorageLocal:
		if s.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
		return nil
	case StorageGCS:
		if s.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
		return nil
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
}
