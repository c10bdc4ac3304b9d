package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	CRM       CRMConfig       `mapstructure:"crm"`
	Fields    FieldsConfig    `mapstructure:"fields"`
	Migration MigrationConfig `mapstructure:"migration"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// CRMConfig defines how to reach the CRM REST API
type CRMConfig struct {
	BaseURL        string      `mapstructure:"base_url"`    // Overrides the environment default when set
	Environment    string      `mapstructure:"environment"` // "production" or "trial"
	OrgID          string      `mapstructure:"org_id"`
	APIKey         string      `mapstructure:"api_key"`
	APIVersion     string      `mapstructure:"api_version"`
	TimeoutSeconds int         `mapstructure:"timeout_seconds"`
	PageSize       int         `mapstructure:"page_size"`
	RateLimitMS    int         `mapstructure:"rate_limit_ms"` // Minimum spacing between requests
	Retry          RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	InitialBackoffMS int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `mapstructure:"max_backoff_ms"`
}

// FieldsConfig controls custom field metadata lookups
type FieldsConfig struct {
	Category        string `mapstructure:"category"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

// MigrationConfig holds the execution defaults applied to new plans
type MigrationConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	MaxWorkers          int    `mapstructure:"max_workers"`
	Strategy            string `mapstructure:"strategy"` // auto, sequential, parallel, put_batch, hybrid
	StaleAfterHours     int    `mapstructure:"stale_after_hours"`
	MergeSeparator      string `mapstructure:"merge_separator"`
	AllowFreeText       bool   `mapstructure:"allow_free_text"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"` // Queued run polling
}

type DatabaseConfig struct {
	Type                   string `mapstructure:"type"` // "sqlite", "postgres" or "sqlserver"
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `mapstructure:"conn_max_lifetime_seconds"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // "debug", "info", "warn", "error"
	Format     string `mapstructure:"format"` // "json" or "text"
	OutputFile string `mapstructure:"output_file"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// MCPConfig configures the MCP tool server
type MCPConfig struct {
	Address string `mapstructure:"address"`
}

// Load reads configuration from .env, config.yaml and FIELDMIG_* environment variables.
// A missing config file is not an error; defaults and environment still apply.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the given config file when path is non-empty.
func LoadFrom(path string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	// crm.api_key -> FIELDMIG_CRM_API_KEY
	viper.SetEnvPrefix("FIELDMIG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Empty defaults register the keys so FIELDMIG_* overrides reach Unmarshal
	viper.SetDefault("crm.base_url", "")
	viper.SetDefault("crm.org_id", "")
	viper.SetDefault("crm.api_key", "")
	viper.SetDefault("crm.environment", "production")
	viper.SetDefault("crm.api_version", "2.10")
	viper.SetDefault("crm.timeout_seconds", 30)
	viper.SetDefault("crm.page_size", 200)
	viper.SetDefault("crm.rate_limit_ms", 100)
	viper.SetDefault("crm.retry.max_attempts", 3)
	viper.SetDefault("crm.retry.initial_backoff_ms", 1000)
	viper.SetDefault("crm.retry.max_backoff_ms", 30000)
	viper.SetDefault("fields.category", "Account")
	viper.SetDefault("fields.cache_ttl_seconds", 300)
	viper.SetDefault("migration.batch_size", 50)
	viper.SetDefault("migration.max_workers", 3)
	viper.SetDefault("migration.strategy", "auto")
	viper.SetDefault("migration.stale_after_hours", 24)
	viper.SetDefault("migration.merge_separator", ", ")
	viper.SetDefault("migration.allow_free_text", false)
	viper.SetDefault("migration.poll_interval_seconds", 30)
	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.dsn", "./data/fieldmig.db")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.output_file", "./logs/fieldmig.log")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("mcp.address", ":8081")
}

// Timeout returns the per-request timeout for CRM calls
func (c CRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long resolved field metadata stays fresh
func (c FieldsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// StaleAfter returns the age after which an exported plan is considered stale
func (c MigrationConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// PollInterval returns the queued run polling interval
func (c MigrationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Validate checks the settings required to talk to the CRM
func (c CRMConfig) Validate() error {
	if c.OrgID == "" {
		return fmt.Errorf("crm.org_id is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("crm.api_key is required")
	}
	switch c.Environment {
	case "production", "trial":
	default:
		return fmt.Errorf("crm.environment must be 'production' or 'trial', got %q", c.Environment)
	}
	return nil
}
