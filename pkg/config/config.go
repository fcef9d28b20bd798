package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read when CONFIG_PATH is not set.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for urekai-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// AllowedOrigins lists the Origin patterns accepted on the query WebSocket.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:","`

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Query     QueryConfig     `yaml:"query"`
	Retry     RetryConfig     `yaml:"retry"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens and session cookies are required.
	// Set to false for local development; the X-User-ID header is then trusted.
	// Defaults to true in Load: cleanenv would apply an env-default over an explicit YAML false.
	EnableVerification bool   `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION"`
	JWTSecret          string `yaml:"-" env:"AUTH_JWT_SECRET"` // Secret - not in YAML
	SessionKey         string `yaml:"-" env:"SESSION_KEY"`     // Secret - not in YAML
	SessionMaxAge      int    `yaml:"session_max_age" env:"SESSION_MAX_AGE" env-default:"86400"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"urekai"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"urekai"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// LLMConfig selects and tunes the language-model gateway.
type LLMConfig struct {
	Provider      string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Endpoint      string  `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	Model         string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey        string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temperature   float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.2"`
	MaxTokens     int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"8192"`
	MaxConcurrent int     `yaml:"max_concurrent" env:"LLM_MAX_CONCURRENT" env-default:"4"`
	// Circuit breaker around the gateway.
	BreakerThreshold int           `yaml:"breaker_threshold" env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	BreakerReset     time.Duration `yaml:"breaker_reset" env:"LLM_BREAKER_RESET" env-default:"30s"`
}

// IngestionConfig tunes the upload queue, listener and workers.
type IngestionConfig struct {
	Workers          int           `yaml:"workers" env:"INGESTION_WORKERS" env-default:"5"`
	ConcurrencyLimit int64         `yaml:"concurrency_limit" env:"INGESTION_CONCURRENCY_LIMIT" env-default:"5"`
	QueueSize        int           `yaml:"queue_size" env:"INGESTION_QUEUE_SIZE" env-default:"100"`
	MaxUploadRetries int           `yaml:"max_upload_retries" env:"INGESTION_MAX_UPLOAD_RETRIES" env-default:"3"`
	SampleRowLimit   int           `yaml:"sample_row_limit" env:"INGESTION_SAMPLE_ROW_LIMIT" env-default:"20"`
	SchemaBatchSize  int           `yaml:"schema_batch_size" env:"INGESTION_SCHEMA_BATCH_SIZE" env-default:"40"`
	MaxLoadAttempts  int           `yaml:"max_load_attempts" env:"INGESTION_MAX_LOAD_ATTEMPTS" env-default:"3"`
	IdlePing         time.Duration `yaml:"idle_ping" env:"INGESTION_IDLE_PING" env-default:"3m"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" env:"INGESTION_RECONNECT_DELAY" env-default:"5s"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"INGESTION_POLL_INTERVAL" env-default:"30s"`
	// TypedColumns creates columns with the inferred type instead of TEXT.
	TypedColumns bool `yaml:"typed_columns" env:"INGESTION_TYPED_COLUMNS" env-default:"false"`
}

// QueryConfig tunes the query orchestrator.
type QueryConfig struct {
	MaxIterations    int           `yaml:"max_iterations" env:"QUERY_MAX_ITERATIONS" env-default:"3"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"QUERY_STATEMENT_TIMEOUT" env-default:"30s"`
}

// RetryConfig is the backoff policy for model and database calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RETRY_INITIAL_DELAY" env-default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"30s"`
	MaxJitter    time.Duration `yaml:"max_jitter" env:"RETRY_MAX_JITTER" env-default:"1s"`
}

// StorageConfig holds where uploaded files are kept until they are loaded.
type StorageConfig struct {
	UploadDir     string `yaml:"upload_dir" env:"UPLOAD_DIR" env-default:"uploads"`
	MaxUploadSize int64  `yaml:"max_upload_size" env:"MAX_UPLOAD_SIZE" env-default:"104857600"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:""`
}

// Load reads configuration from config.yaml (or CONFIG_PATH) with environment variable
// overrides. A missing file is not an error; defaults and environment are used instead.
// Secrets (PGPASSWORD, LLM_API_KEY, AUTH_JWT_SECRET, SESSION_KEY) must come from
// environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
		Auth:    AuthConfig{EnableVerification: true},
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider))
	}

	positive := map[string]int{
		"ingestion.workers":            c.Ingestion.Workers,
		"ingestion.queue_size":         c.Ingestion.QueueSize,
		"ingestion.max_upload_retries": c.Ingestion.MaxUploadRetries,
		"ingestion.sample_row_limit":   c.Ingestion.SampleRowLimit,
		"ingestion.schema_batch_size":  c.Ingestion.SchemaBatchSize,
		"ingestion.max_load_attempts":  c.Ingestion.MaxLoadAttempts,
		"query.max_iterations":         c.Query.MaxIterations,
		"retry.max_attempts":           c.Retry.MaxAttempts,
		"llm.max_concurrent":           c.LLM.MaxConcurrent,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.Ingestion.ConcurrencyLimit <= 0 {
		errs = append(errs, fmt.Errorf("ingestion.concurrency_limit must be positive, got %d", c.Ingestion.ConcurrencyLimit))
	}
	if c.Ingestion.IdlePing <= 0 {
		errs = append(errs, fmt.Errorf("ingestion.idle_ping must be positive"))
	}
	if c.Ingestion.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("ingestion.poll_interval must not be negative"))
	}

	if c.Auth.EnableVerification && c.Auth.JWTSecret == "" && c.Auth.SessionKey == "" {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET or SESSION_KEY is required when auth verification is enabled"))
	}

	return errors.Join(errs...)
}

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return strings.EqualFold(c.Env, "local") || strings.EqualFold(c.Env, "dev")
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
