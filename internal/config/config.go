package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration loaded from deepresearch.yaml
// plus environment overrides (DEEPRESEARCH_ prefix, dots become underscores).
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Research  ResearchConfig  `mapstructure:"research"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServiceConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// ResearchConfig carries the orchestration limits and per-session defaults.
type ResearchConfig struct {
	MaxConcurrentSessions  int           `mapstructure:"max_concurrent_sessions"`
	DefaultTimeout         time.Duration `mapstructure:"default_timeout"`
	DefaultMaxReviewCycles int           `mapstructure:"default_max_review_cycles"`
	MaxReviewCyclesCap     int           `mapstructure:"max_review_cycles_cap"`
}

type StreamingConfig struct {
	RingCapacity     int `mapstructure:"ring_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type ReaperConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RedisConfig enables the Redis Streams event mirror when Addr is set.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// DatabaseConfig enables the Postgres session archive when Host is set.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("research.max_concurrent_sessions", 10)
	v.SetDefault("research.default_timeout", "300s")
	v.SetDefault("research.default_max_review_cycles", 3)
	v.SetDefault("research.max_review_cycles_cap", 10)
	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 64)
	v.SetDefault("reaper.sweep_interval", "30m")
	v.SetDefault("reaper.retention", "1h")
	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.request_timeout", "120s")
	v.SetDefault("redis.stream_max_len", 1024)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("rate_limit.requests_per_second", 5)
	v.SetDefault("rate_limit.burst", 10)
}

// Path returns the config file location: CONFIG_PATH when set, otherwise
// /app/config/deepresearch.yaml. Load and the reload watcher must agree on
// this so hot reload edits the same file the boot read.
func Path() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "/app/config/deepresearch.yaml"
}

// Load reads configuration from Path(). A missing file is not an error;
// defaults and environment overrides still apply.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads configuration from an explicit file path.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// deployments set the admission ceiling without the service prefix
	v.BindEnv("research.max_concurrent_sessions",
		"DEEPRESEARCH_RESEARCH_MAX_CONCURRENT_SESSIONS", "MAX_CONCURRENT_SESSIONS")

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func underlying(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe
	}
	return err
}

// Validate rejects configurations that would break orchestration invariants.
func (c *Config) Validate() error {
	if c.Research.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("research.max_concurrent_sessions must be positive, got %d", c.Research.MaxConcurrentSessions)
	}
	if c.Research.DefaultTimeout <= 0 {
		return fmt.Errorf("research.default_timeout must be positive, got %s", c.Research.DefaultTimeout)
	}
	if c.Research.DefaultMaxReviewCycles < 0 {
		return fmt.Errorf("research.default_max_review_cycles must be non-negative, got %d", c.Research.DefaultMaxReviewCycles)
	}
	if c.Research.MaxReviewCyclesCap <= 0 {
		return fmt.Errorf("research.max_review_cycles_cap must be positive, got %d", c.Research.MaxReviewCyclesCap)
	}
	if c.Research.DefaultMaxReviewCycles > c.Research.MaxReviewCyclesCap {
		return fmt.Errorf("research.default_max_review_cycles %d exceeds cap %d",
			c.Research.DefaultMaxReviewCycles, c.Research.MaxReviewCyclesCap)
	}
	if c.Streaming.RingCapacity <= 0 {
		return fmt.Errorf("streaming.ring_capacity must be positive, got %d", c.Streaming.RingCapacity)
	}
	if c.Streaming.SubscriberBuffer <= 0 {
		return fmt.Errorf("streaming.subscriber_buffer must be positive, got %d", c.Streaming.SubscriberBuffer)
	}
	if c.Reaper.SweepInterval <= 0 || c.Reaper.Retention <= 0 {
		return fmt.Errorf("reaper.sweep_interval and reaper.retention must be positive")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url must be set")
	}
	return nil
}

// ArchiveEnabled reports whether the Postgres session archive is configured.
func (c *Config) ArchiveEnabled() bool { return c.Database.Host != "" }

// MirrorEnabled reports whether the Redis event mirror is configured.
func (c *Config) MirrorEnabled() bool { return c.Redis.Addr != "" }
