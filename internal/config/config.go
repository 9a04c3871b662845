// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Import    ImportConfig    `mapstructure:"import"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig points at the remote case library.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PageSize       int    `mapstructure:"page_size"`
	CaseType       string `mapstructure:"case_type"`
	SearchValue    string `mapstructure:"search_value"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlConfig governs crawl stage behavior.
type CrawlConfig struct {
	BatchSize       int     `mapstructure:"batch_size"`
	Concurrency     int     `mapstructure:"concurrency"`
	PageRetries     int     `mapstructure:"page_retries"`
	DelayMinSeconds float64 `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds float64 `mapstructure:"delay_max_seconds"`
}

// ImportConfig governs import stage behavior.
type ImportConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// EmbeddingConfig points at the embedding service.
type EmbeddingConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CacheSize      int    `mapstructure:"cache_size"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// BatchConfig sets where batch files and the resume ledger live.
type BatchConfig struct {
	Dir        string `mapstructure:"dir"`
	LedgerFile string `mapstructure:"ledger_file"`
}

// ReconcileConfig tunes the repair pass.
type ReconcileConfig struct {
	StuckAfterMinutes int `mapstructure:"stuck_after_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus CASEKB_* environment
// variables. Environment values win over file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CASEKB")
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

// setDefaults registers every key, empty strings included; AutomaticEnv only
// surfaces variables for keys Viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.case_type", "")
	v.SetDefault("source.search_value", "")
	v.SetDefault("source.page_size", 20)
	v.SetDefault("source.user_agent", "casekb-crawler/0.1")
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("crawl.batch_size", 50)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.page_retries", 2)
	v.SetDefault("crawl.delay_min_seconds", 0.5)
	v.SetDefault("crawl.delay_max_seconds", 1.5)
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("embedding.cache_size", 1024)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("batch.dir", "data/batches")
	v.SetDefault("batch.ledger_file", "data/crawl_resume.json")
	v.SetDefault("reconcile.stuck_after_minutes", 120)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and sane ranges.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be positive")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be positive")
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be positive")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be positive")
	}
	if c.Crawl.DelayMinSeconds < 0 || c.Crawl.DelayMaxSeconds < c.Crawl.DelayMinSeconds {
		return fmt.Errorf("crawl delay range is invalid")
	}
	if c.Batch.Dir == "" {
		return fmt.Errorf("batch.dir is required")
	}
	if c.Batch.LedgerFile == "" {
		return fmt.Errorf("batch.ledger_file is required")
	}
	return nil
}

// SourceTimeout returns the remote source timeout as a duration.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// EmbeddingTimeout returns the embedding service timeout as a duration.
func (c Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutSeconds) * time.Second
}

// StuckAfter returns the reconcile staleness threshold as a duration.
func (c Config) StuckAfter() time.Duration {
	return time.Duration(c.Reconcile.StuckAfterMinutes) * time.Minute
}
