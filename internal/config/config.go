// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/links"
	"github.com/JakeFAU/catalog-crawler/internal/scanner"
)

// Frontier backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Target   TargetConfig   `mapstructure:"target"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the operations HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TargetConfig names the catalog site being crawled.
type TargetConfig struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
}

// CrawlerConfig governs the explorer.
type CrawlerConfig struct {
	Seeds             []string      `mapstructure:"seeds"`
	PrefetchDepth     int           `mapstructure:"prefetch_depth"`
	ReservationTTL    time.Duration `mapstructure:"reservation_ttl"`
	RateLimitBackoff  time.Duration `mapstructure:"rate_limit_backoff"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	MidnightSkew      time.Duration `mapstructure:"midnight_skew"`
	ExploredRetention time.Duration `mapstructure:"explored_retention"`
	LogIgnored        bool          `mapstructure:"log_ignored"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// FrontierConfig selects the frontier store.
type FrontierConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig locates the shared frontier and lease store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig controls access to the entity tables.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// KafkaConfig holds event publishing settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	EntitiesTopic string   `mapstructure:"entities_topic"`
	PagesTopic    string   `mapstructure:"pages_topic"`
}

// ScannerConfig governs the periodic workers.
type ScannerConfig struct {
	Workers          []string      `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	Parallelism      int           `mapstructure:"parallelism"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	Direction        string        `mapstructure:"direction"`
	IdleDelay        time.Duration `mapstructure:"idle_delay"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("target.scheme", "https")
	v.SetDefault("target.host", "store.example.com")
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.prefetch_depth", 5)
	v.SetDefault("crawler.reservation_ttl", 5*time.Minute)
	v.SetDefault("crawler.rate_limit_backoff", 300*time.Second)
	v.SetDefault("crawler.error_backoff", 60*time.Second)
	v.SetDefault("crawler.midnight_skew", 2*time.Minute)
	v.SetDefault("crawler.explored_retention", 72*time.Hour)
	v.SetDefault("crawler.log_ignored", false)
	v.SetDefault("crawler.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.user_agent", "catalog-crawler/0.1")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("frontier.backend", BackendRedis)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "catalog")
	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.entities_topic", "catalog.entities")
	v.SetDefault("kafka.pages_topic", "catalog.pages")
	v.SetDefault("scanner.workers", scanner.KindNames())
	v.SetDefault("scanner.batch_size", 50)
	v.SetDefault("scanner.parallelism", 8)
	v.SetDefault("scanner.lease_ttl", time.Minute)
	v.SetDefault("scanner.direction", string(crawler.SortAscending))
	v.SetDefault("scanner.idle_delay", 5*time.Minute)
	v.SetDefault("scanner.error_backoff", 60*time.Second)
	v.SetDefault("scanner.rate_limit_backoff", 300*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return errors.New("server.port must be >= 0")
	}
	canon, err := c.Canonicalizer()
	if err != nil {
		return err
	}
	if len(c.Crawler.Seeds) == 0 {
		return errors.New("crawler.seeds must contain at least one url")
	}
	for _, seed := range c.Crawler.Seeds {
		if _, err := canon.Canonicalize(seed); err != nil {
			return fmt.Errorf("crawler.seeds: %w", err)
		}
	}
	if c.Crawler.PrefetchDepth <= 0 {
		return errors.New("crawler.prefetch_depth must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"crawler.reservation_ttl":    c.Crawler.ReservationTTL,
		"crawler.rate_limit_backoff": c.Crawler.RateLimitBackoff,
		"crawler.error_backoff":      c.Crawler.ErrorBackoff,
		"crawler.explored_retention": c.Crawler.ExploredRetention,
		"crawler.shutdown_timeout":   c.Crawler.ShutdownTimeout,
		"http.timeout":               c.HTTP.Timeout,
		"scanner.lease_ttl":          c.Scanner.LeaseTTL,
		"scanner.idle_delay":         c.Scanner.IdleDelay,
		"scanner.error_backoff":      c.Scanner.ErrorBackoff,
		"scanner.rate_limit_backoff": c.Scanner.RateLimitBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Crawler.MidnightSkew < 0 {
		return errors.New("crawler.midnight_skew must be >= 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return errors.New("http.requests_per_second must be >= 0")
	}
	switch c.Frontier.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis frontier")
		}
	default:
		return fmt.Errorf("frontier.backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.Frontier.Backend)
	}
	if c.Postgres.MaxConns <= 0 {
		return errors.New("postgres.max_conns must be > 0")
	}
	if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
		return errors.New("postgres.min_conns must be between 0 and postgres.max_conns")
	}
	if c.Postgres.MaxConnLifetime < 0 {
		return errors.New("postgres.max_conn_lifetime must be >= 0")
	}
	if len(c.Kafka.Brokers) > 0 && (c.Kafka.EntitiesTopic == "" || c.Kafka.PagesTopic == "") {
		return errors.New("kafka.entities_topic and kafka.pages_topic are required when brokers are set")
	}
	if c.Scanner.BatchSize <= 0 {
		return errors.New("scanner.batch_size must be > 0")
	}
	if c.Scanner.Parallelism <= 0 {
		return errors.New("scanner.parallelism must be > 0")
	}
	if !crawler.SortDirection(c.Scanner.Direction).Valid() {
		return fmt.Errorf("scanner.direction must be asc or desc, got %q", c.Scanner.Direction)
	}
	for _, name := range c.Scanner.Workers {
		if _, err := scanner.LookupKind(name); err != nil {
			return fmt.Errorf("scanner.workers: %w", err)
		}
	}
	return nil
}

// Canonicalizer builds the link canonicalizer for the configured target.
func (c Config) Canonicalizer() (*links.Canonicalizer, error) {
	canon, err := links.New(c.Target.Scheme, c.Target.Host)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	return canon, nil
}

// CanonicalSeeds returns the seeds in canonical form.
func (c Config) CanonicalSeeds() ([]string, error) {
	canon, err := c.Canonicalizer()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(c.Crawler.Seeds))
	for _, seed := range c.Crawler.Seeds {
		u, err := canon.Canonicalize(seed)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed, err)
		}
		out = append(out, u)
	}
	return out, nil
}
