// Package config provides configuration management for the DOI cache.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "DOICACHE"

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Isolation modes for worker slots.
const (
	// IsolationProcess runs every DOI in a child process that can be killed.
	IsolationProcess = "process"
	// IsolationInline runs every DOI in a goroutine under a cancellable context.
	IsolationInline = "inline"
)

// Config holds all configuration for the DOI cache.
type Config struct {
	// Cache contains the on-disk cache layout settings.
	Cache CacheConfig `mapstructure:"cache"`
	// Worker contains worker pool settings.
	Worker WorkerConfig `mapstructure:"worker"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// CrossRef contains metadata service settings.
	CrossRef CrossRefConfig `mapstructure:"crossref"`
	// BioRxiv contains preprint tracker and discovery settings.
	BioRxiv BioRxivConfig `mapstructure:"biorxiv"`
	// Unpaywall contains the PDF fallback resolver settings.
	Unpaywall UnpaywallConfig `mapstructure:"unpaywall"`
	// Grobid contains document-structure extraction settings.
	Grobid GrobidConfig `mapstructure:"grobid"`
	// LLM contains analysis client settings.
	LLM LLMConfig `mapstructure:"llm"`
	// Download contains PDF download settings.
	Download DownloadConfig `mapstructure:"download"`
	// Database contains PostgreSQL settings for the optional run journal.
	Database DatabaseConfig `mapstructure:"database"`
	// Kafka contains settings for optional per-DOI outcome events.
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// CacheConfig holds the cache layout configuration.
type CacheConfig struct {
	// Root is the cache root directory.
	Root string `mapstructure:"root" validate:"required"`
	// ResolveMaxDepth is the hop cap of preprint resolution.
	ResolveMaxDepth int `mapstructure:"resolve_max_depth" validate:"min=1"`
	// RunLog is the pool-level log file name, relative to Root unless absolute.
	RunLog string `mapstructure:"run_log"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	// Count is the number of concurrent slots.
	Count int `mapstructure:"count" validate:"min=1"`
	// PollInterval bounds each queue pop wait.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// CancelPollInterval is how often an in-flight DOI checks for shutdown.
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval" validate:"gt=0"`
	// Isolation is process or inline.
	Isolation string `mapstructure:"isolation" validate:"oneof=process inline"`
	// ShutdownTimeout bounds the metrics server shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
	// MaxSizeMB is the run log rotation size.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated run logs kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is how long rotated run logs are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled starts the metrics and health endpoint during a sweep.
	Enabled bool `mapstructure:"enabled"`
	// Address is the listen address of the endpoint.
	Address string `mapstructure:"address"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// CrossRefConfig holds metadata service configuration.
type CrossRefConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
	Mailto    string        `mapstructure:"mailto"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
}

// BioRxivConfig holds preprint tracker and search index configuration.
type BioRxivConfig struct {
	// APIBaseURL is the tracker API base (details endpoint).
	APIBaseURL string `mapstructure:"api_base_url" validate:"required,url"`
	// SiteBaseURL is the search index and PDF host base.
	SiteBaseURL string `mapstructure:"site_base_url" validate:"required,url"`
	// Servers are the preprint servers consulted in order.
	Servers   []string      `mapstructure:"servers" validate:"min=1,dive,required"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
}

// UnpaywallConfig holds PDF fallback resolver configuration. The resolver is
// only consulted when Enabled and Email are both set.
type UnpaywallConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Email   string        `mapstructure:"email"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GrobidConfig holds document-structure extraction configuration.
type GrobidConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

// LLMConfig holds analysis client configuration.
type LLMConfig struct {
	// Provider is the LLM provider (openai, anthropic).
	Provider string `mapstructure:"provider" validate:"oneof=openai anthropic"`
	// Model is the model identifier.
	Model string `mapstructure:"model"`
	// Temperature is the sampling temperature.
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	// MaxTokens is the response token cap.
	MaxTokens int `mapstructure:"max_tokens" validate:"min=1"`
	// Timeout is the timeout for LLM API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum number of retries for failed calls.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
	// Prompt names the analysis prompt; empty selects the built-in prompt.
	Prompt string `mapstructure:"prompt"`
	// PromptsDir is searched for prompts named by Prompt.
	PromptsDir string `mapstructure:"prompts_dir"`
	// OpenAI contains OpenAI-specific settings.
	OpenAI OpenAIConfig `mapstructure:"openai"`
	// Anthropic contains Anthropic-specific settings.
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig holds OpenAI-specific configuration.
type OpenAIConfig struct {
	// APIKey is loaded from DOICACHE_LLM_OPENAI_API_KEY.
	APIKey  string `mapstructure:"-"`
	BaseURL string `mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic-specific configuration.
type AnthropicConfig struct {
	// APIKey is loaded from DOICACHE_LLM_ANTHROPIC_API_KEY.
	APIKey  string `mapstructure:"-"`
	BaseURL string `mapstructure:"base_url"`
}

// DownloadConfig holds PDF download configuration.
type DownloadConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxSize   int64         `mapstructure:"max_size" validate:"gt=0"`
	UserAgent string        `mapstructure:"user_agent"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Enabled records runs and outcomes in PostgreSQL.
	Enabled bool `mapstructure:"enabled"`
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is loaded from DOICACHE_DATABASE_PASSWORD.
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool.
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open.
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationAutoRun applies pending migrations before a sweep.
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// KafkaConfig holds Kafka publisher settings for outcome events.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic outcome events are written to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// RunLogPath returns the pool-level log file path. An empty RunLog disables
// the file.
func (c *CacheConfig) RunLogPath() string {
	if c.RunLog == "" || strings.HasPrefix(c.RunLog, "/") {
		return c.RunLog
	}
	return strings.TrimRight(c.Root, "/") + "/" + c.RunLog
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith loads configuration into v, which may already carry bound CLI
// flags.
func LoadWith(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/doicache")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_API_KEY")
	cfg.Database.Password = os.Getenv(EnvPrefix + "_DATABASE_PASSWORD")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.root", "./doi-cache")
	v.SetDefault("cache.resolve_max_depth", 10)
	v.SetDefault("cache.run_log", "process_dois.log")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.cancel_poll_interval", "500ms")
	v.SetDefault("worker.isolation", IsolationProcess)
	v.SetDefault("worker.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("crossref.base_url", "https://api.crossref.org")
	v.SetDefault("crossref.mailto", "")
	v.SetDefault("crossref.timeout", "30s")
	v.SetDefault("crossref.rate_limit", 10.0)
	v.SetDefault("crossref.burst", 10)

	v.SetDefault("biorxiv.api_base_url", "https://api.biorxiv.org")
	v.SetDefault("biorxiv.site_base_url", "https://www.biorxiv.org")
	v.SetDefault("biorxiv.servers", []string{"biorxiv", "medrxiv"})
	v.SetDefault("biorxiv.timeout", "30s")
	v.SetDefault("biorxiv.rate_limit", 2.0)
	v.SetDefault("biorxiv.burst", 2)

	v.SetDefault("unpaywall.enabled", true)
	v.SetDefault("unpaywall.base_url", "https://api.unpaywall.org/v2")
	v.SetDefault("unpaywall.email", "")
	v.SetDefault("unpaywall.timeout", "30s")

	v.SetDefault("grobid.base_url", "http://localhost:8070")
	v.SetDefault("grobid.timeout", "120s")
	v.SetDefault("grobid.max_retries", 5)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.25)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.prompt", "")
	v.SetDefault("llm.prompts_dir", "./prompts")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.anthropic.base_url", "")

	v.SetDefault("download.timeout", "60s")
	v.SetDefault("download.max_size", 100<<20)
	v.SetDefault("download.user_agent", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "doicache")
	v.SetDefault("database.name", "doicache")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_auto_run", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "doicache.outcomes")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "1s")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	return nil
}

// ValidateLLMCredentials checks that the configured provider has its API key.
// Only commands that analyze articles call it.
func (c *Config) ValidateLLMCredentials() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_OPENAI_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_ANTHROPIC_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	}
	return nil
}
