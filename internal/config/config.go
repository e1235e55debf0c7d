// Package config provides configuration management for the revenue tracker.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned (joined with per-field messages) when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `validate:"required"`
	Database DatabaseConfig `validate:"required"`
	Ledger   LedgerConfig   `validate:"required"`
	Sync     SyncConfig     `validate:"required"`
	Snapshot SnapshotConfig `validate:"required"`
	Logging  LoggingConfig  `validate:"required"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `validate:"required,numeric"`
	Host            string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	RequestsPerSec  int           `validate:"min=1"`
	Burst           int           `validate:"min=1"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	Redis    RedisConfig
}

// SQLiteConfig holds the embedded database file location
type SQLiteConfig struct {
	Path string `validate:"required"`
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int `validate:"min=1"`
}

// URL returns the connection URL understood by golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration for the aggregate cache
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int           `validate:"min=1"`
	TTL            time.Duration `validate:"gt=0"`
}

// LedgerConfig holds remote ledger index and auxiliary endpoint settings
type LedgerConfig struct {
	BlockbookURL   string        `validate:"required,url"`
	DaemonURL      string        `validate:"required,url"`
	PriceURL       string        `validate:"required,url"`
	PageSize       int           `validate:"min=1,max=1000"`
	ListTimeout    time.Duration `validate:"gt=0"`
	DetailTimeout  time.Duration `validate:"gt=0"`
	AuxTimeout     time.Duration `validate:"gt=0"`
	DetailAttempts uint          `validate:"min=1"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gt=0"`
	CallsPerSecond float64       `validate:"gte=0"`
	PriceCacheTTL  time.Duration `validate:"gt=0"`
}

// SyncConfig holds progressive sync settings
type SyncConfig struct {
	TrackedAddresses      []string      `validate:"required,min=1,dive,required"`
	Interval              time.Duration `validate:"gt=0"`
	CycleBudget           int           `validate:"min=1"`
	MaxTxidAttempts       int           `validate:"min=1"`
	TxidRetryCooldown     time.Duration `validate:"gte=0"`
	InitialSyncPause      time.Duration `validate:"gte=0"`
	InitialSyncMaxCycles  int           `validate:"min=1"`
	FailureAlertThreshold int           `validate:"min=1"`
	// IncrementalThreshold is the chain-head advance, in blocks, below which
	// a cycle only walks the newest pages. Zero always walks every page.
	IncrementalThreshold  int64         `validate:"gte=0"`
}

// SnapshotConfig holds daily snapshot settings
type SnapshotConfig struct {
	CheckInterval         time.Duration `validate:"gt=0"`
	GracePeriod           time.Duration `validate:"gte=0"`
	MaxMetricAge          time.Duration `validate:"gt=0"`
	MinValidMetrics       int           `validate:"min=1,max=5"`
	RetentionDays         int           `validate:"min=1"`
	FailureAlertThreshold int           `validate:"min=1"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn warning error fatal"`
	Format string `validate:"oneof=json text"`
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "3001"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestsPerSec:  getEnvAsInt("API_RATE_LIMIT_RPS", 20),
			Burst:           getEnvAsInt("API_RATE_LIMIT_BURST", 40),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite"),
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "data/revenue-tracker.db"),
			},
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "revenue_tracker"),
				User:           getEnv("POSTGRES_USER", "tracker"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
				TTL:            getEnvAsDuration("REDIS_CACHE_TTL", 5*time.Minute),
			},
		},
		Ledger: LedgerConfig{
			BlockbookURL:   getEnv("BLOCKBOOK_URL", "https://blockbook.runonflux.io/api/v2/"),
			DaemonURL:      getEnv("DAEMON_URL", "https://api.runonflux.io/daemon"),
			PriceURL:       getEnv("PRICE_URL", "https://api.coingecko.com/api/v3/simple/price?ids=zelcash&vs_currencies=usd"),
			PageSize:       getEnvAsInt("LEDGER_PAGE_SIZE", 1000),
			ListTimeout:    getEnvAsDuration("LEDGER_LIST_TIMEOUT", 30*time.Second),
			DetailTimeout:  getEnvAsDuration("LEDGER_DETAIL_TIMEOUT", 15*time.Second),
			AuxTimeout:     getEnvAsDuration("LEDGER_AUX_TIMEOUT", 10*time.Second),
			DetailAttempts: uint(getEnvAsInt("LEDGER_DETAIL_ATTEMPTS", 3)), // #nosec G115 - validated min=1
			RetryBaseDelay: getEnvAsDuration("LEDGER_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  getEnvAsDuration("LEDGER_RETRY_MAX_DELAY", 5*time.Second),
			CallsPerSecond: getEnvAsFloat("LEDGER_CALLS_PER_SECOND", 5),
			PriceCacheTTL:  getEnvAsDuration("PRICE_CACHE_TTL", time.Minute),
		},
		Sync: SyncConfig{
			TrackedAddresses:      getEnvAsList("TRACKED_ADDRESSES", []string{"t3NryfAQLGeFs9jEoeqsxmBN2QLRaRKFLUX"}),
			Interval:              getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
			CycleBudget:           getEnvAsInt("SYNC_CYCLE_BUDGET", 20),
			MaxTxidAttempts:       getEnvAsInt("SYNC_MAX_TXID_ATTEMPTS", 5),
			TxidRetryCooldown:     getEnvAsDuration("SYNC_TXID_RETRY_COOLDOWN", 5*time.Minute),
			InitialSyncPause:      getEnvAsDuration("SYNC_INITIAL_PAUSE", 2*time.Second),
			InitialSyncMaxCycles:  getEnvAsInt("SYNC_INITIAL_MAX_CYCLES", 10000),
			FailureAlertThreshold: getEnvAsInt("SYNC_FAILURE_ALERT_THRESHOLD", 3),
			IncrementalThreshold:  int64(getEnvAsInt("SYNC_INCREMENTAL_THRESHOLD", 2880)),
		},
		Snapshot: SnapshotConfig{
			CheckInterval:         getEnvAsDuration("SNAPSHOT_CHECK_INTERVAL", 30*time.Minute),
			GracePeriod:           getEnvAsDuration("SNAPSHOT_GRACE_PERIOD", 5*time.Minute),
			MaxMetricAge:          getEnvAsDuration("SNAPSHOT_MAX_METRIC_AGE", 24*time.Hour),
			MinValidMetrics:       getEnvAsInt("SNAPSHOT_MIN_VALID_METRICS", 2),
			RetentionDays:         getEnvAsInt("SNAPSHOT_RETENTION_DAYS", 365),
			FailureAlertThreshold: getEnvAsInt("SNAPSHOT_FAILURE_ALERT_THRESHOLD", 3),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and returns ErrInvalidConfig joined with one error per field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Database.Driver == "postgres" && c.Database.Postgres.Host == "" {
			return errors.Join(ErrInvalidConfig, errors.New("'Postgres.Host' is required when DATABASE_DRIVER=postgres"))
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	errs := []error{ErrInvalidConfig}
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("'%s': value '%v' fails '%s' validation", fe.Namespace(), fe.Value(), fe.Tag()))
	}
	return errors.Join(errs...)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
