// Package config provides configuration management for tiermem.
// Settings come from, in increasing precedence: built-in defaults, an
// optional YAML or TOML config file, a .env file, and environment variables
// with the TIERMEM_ prefix (TIERMEM_MEMORY_HOST_API_KEY and so on).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/pkg/types"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "TIERMEM"

// Config holds all configuration settings.
type Config struct {
	MemoryHost    MemoryHostConfig    `mapstructure:"memory_host"`
	Storage       StorageConfig       `mapstructure:"storage"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Blocks        BlocksConfig        `mapstructure:"blocks"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Log           LogConfig           `mapstructure:"log"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// MemoryHostConfig contains the memory host connection settings.
type MemoryHostConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"` // default: 30s
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres (default: sqlite)
	DSN    string `mapstructure:"dsn"`    // default: ./data/tiermem.db
}

// LLMConfig contains generation provider settings.
type LLMConfig struct {
	Provider       string `mapstructure:"provider"` // openai or anthropic
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// BlocksConfig tunes the block manager.
type BlocksConfig struct {
	TrimPolicy string        `mapstructure:"trim_policy"` // chars or entries (default: chars)
	Margin     int           `mapstructure:"margin"`
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// ConsolidationConfig tunes sleep-time consolidation.
type ConsolidationConfig struct {
	TriggerFrequency int `mapstructure:"trigger_frequency"`
	MessageWindow    int `mapstructure:"message_window"`
	CharBudget       int `mapstructure:"char_budget"`
	Workers          int `mapstructure:"workers"`
	QueueSize        int `mapstructure:"queue_size"`
	MaxRetries       int `mapstructure:"max_retries"`
}

// BridgeConfig tunes the memory bridge.
type BridgeConfig struct {
	MinChunkLength int           `mapstructure:"min_chunk_length"`
	MetricsWindow  time.Duration `mapstructure:"metrics_window"`
}

// WorkerConfig holds the cron schedules of the background worker.
type WorkerConfig struct {
	Tenants             []string `mapstructure:"tenants"`
	SyncSchedule        string   `mapstructure:"sync_schedule"`
	ConsolidateSchedule string   `mapstructure:"consolidate_schedule"`
	TagsSchedule        string   `mapstructure:"tags_schedule"`
	BackupSchedule      string   `mapstructure:"backup_schedule"`
}

// BackupConfig controls snapshots of a SQLite document store.
type BackupConfig struct {
	Dir              string `mapstructure:"dir"`
	Verify           bool   `mapstructure:"verify"`
	RetentionHourly  int    `mapstructure:"retention_hourly"`
	RetentionDaily   int    `mapstructure:"retention_daily"`
	RetentionWeekly  int    `mapstructure:"retention_weekly"`
	RetentionMonthly int    `mapstructure:"retention_monthly"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

var defaults = map[string]any{
	"memory_host.base_url":            "",
	"memory_host.api_key":             "",
	"memory_host.timeout":             30 * time.Second,
	"memory_host.requests_per_second": 0.0,
	"memory_host.burst":               1,

	"storage.driver": "sqlite",
	"storage.dsn":    "./data/tiermem.db",

	"llm.provider":        "openai",
	"llm.api_key":         "",
	"llm.model":           "",
	"llm.base_url":        "",
	"llm.embedding_model": "",

	"blocks.trim_policy": string(blocks.TrimChars),
	"blocks.margin":      blocks.DefaultMargin,
	"blocks.cache_size":  10000,
	"blocks.cache_ttl":   time.Hour,

	"consolidation.trigger_frequency": 5,
	"consolidation.message_window":    50,
	"consolidation.char_budget":       16000,
	"consolidation.workers":           1,
	"consolidation.queue_size":        100,
	"consolidation.max_retries":       3,

	"bridge.min_chunk_length": 50,
	"bridge.metrics_window":   7 * 24 * time.Hour,

	"worker.tenants":              []string{},
	"worker.sync_schedule":        "0 */6 * * *",
	"worker.consolidate_schedule": "30 3 * * *",
	"worker.tags_schedule":        "0 4 * * 0",
	"worker.backup_schedule":      "0 * * * *",

	"backup.dir":               "./data/backups",
	"backup.verify":            true,
	"backup.retention_hourly":  24,
	"backup.retention_daily":   7,
	"backup.retention_weekly":  4,
	"backup.retention_monthly": 12,

	"log.level":  "info",
	"log.format": "console",

	"metrics.addr": "",
}

// NewViper returns a viper instance with every default set and environment
// binding enabled. Callers may bind command-line flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadOptions names optional inputs for Load.
type LoadOptions struct {
	// ConfigFile is a YAML, TOML or JSON file. Empty skips it.
	ConfigFile string

	// EnvFile is loaded into the environment first. A missing file is not an
	// error. Default: .env
	EnvFile string
}

// LoadConfig loads configuration from defaults and the environment only.
func LoadConfig() (*Config, error) {
	return Load(NewViper(), LoadOptions{})
}

// Load reads the .env file and config file into v and decodes the result.
// Variables already present in the environment win over the .env file.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load %s: %w", envFile, err)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing credentials as types.ErrNotConfigured and
// out-of-range settings as types.ErrInvalidInput.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MemoryHost.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("%w: memory_host.base_url is required", types.ErrNotConfigured))
	}
	if strings.TrimSpace(c.MemoryHost.APIKey) == "" {
		errs = append(errs, fmt.Errorf("%w: memory_host.api_key is required", types.ErrNotConfigured))
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, fmt.Errorf("%w: llm.api_key is required", types.ErrNotConfigured))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("%w: llm.provider must be openai or anthropic, got %q", types.ErrInvalidInput, c.LLM.Provider))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("%w: storage.driver must be sqlite or postgres, got %q", types.ErrInvalidInput, c.Storage.Driver))
	}
	if !blocks.TrimPolicy(c.Blocks.TrimPolicy).Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown blocks.trim_policy %q", types.ErrInvalidInput, c.Blocks.TrimPolicy))
	}
	if c.Backup.RetentionHourly < 0 || c.Backup.RetentionDaily < 0 || c.Backup.RetentionWeekly < 0 || c.Backup.RetentionMonthly < 0 {
		errs = append(errs, fmt.Errorf("%w: backup retention counts must not be negative", types.ErrInvalidInput))
	}
	if c.Consolidation.TriggerFrequency <= 0 {
		errs = append(errs, fmt.Errorf("%w: consolidation.trigger_frequency must be positive", types.ErrInvalidInput))
	}
	return errors.Join(errs...)
}
