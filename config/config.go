package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	LedgerConfig       LedgerConfig       `json:"ledger"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL      string `json:"url"` // overrides the discrete fields when set
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	Schema   string `json:"schema"` // search_path of every connection, default public
	MaxConns int    `json:"max_conns"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// LedgerConfig holds the business calendar of the ledger
type LedgerConfig struct {
	Timezone        string `json:"timezone"`          // IANA name, e.g. America/Sao_Paulo
	DateOnlyHour    int    `json:"date_only_hour"`    // Hour of date-only approvals
	MovementHour    int    `json:"movement_hour"`     // Hour of daily operating results
	Currency        string `json:"currency"`          // ISO 4217 code used in notifications
	CacheTTLSeconds int    `json:"cache_ttl_seconds"` // TWR result cache TTL
}

// Location resolves the configured timezone, falling back to UTC
func (c LedgerConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchedulerConfig holds the periodic trading fee job settings
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Spec      string `json:"spec"` // cron spec with seconds field
	AppliedBy string `json:"applied_by"`
}

// NotificationConfig holds notification channel settings
type NotificationConfig struct {
	Enabled bool          `json:"enabled"`
	SMTP    SMTPConfig    `json:"smtp"`
	Webhook WebhookConfig `json:"webhook"`
}

// SMTPConfig holds outgoing mail settings
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

// WebhookConfig holds the notification webhook settings
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds Redis configuration for result caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile reads filename if present and applies environment overrides
func LoadFile(filename string) (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// File values act as defaults for every variable.
func applyEnvOverrides(cfg *Config) {
	// Database config
	db := &cfg.DatabaseConfig
	db.URL = getEnvOrDefault("DATABASE_URL", db.URL)
	db.Host = getEnvOrDefault("DB_HOST", orString(db.Host, "localhost"))
	db.Port = getEnvIntOrDefault("DB_PORT", orInt(db.Port, 5432))
	db.User = getEnvOrDefault("DB_USER", orString(db.User, "ledger"))
	db.Password = getEnvOrDefault("DB_PASSWORD", db.Password)
	db.Database = getEnvOrDefault("DB_NAME", orString(db.Database, "investor_ledger"))
	db.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(db.SSLMode, "disable"))
	db.Schema = getEnvOrDefault("DB_SCHEMA", db.Schema)
	db.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", orInt(db.MaxConns, 10))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Ledger config
	cfg.LedgerConfig.Timezone = getEnvOrDefault("LEDGER_TIMEZONE", orString(cfg.LedgerConfig.Timezone, "UTC"))
	cfg.LedgerConfig.DateOnlyHour = getEnvIntOrDefault("LEDGER_DATE_ONLY_HOUR", orInt(cfg.LedgerConfig.DateOnlyHour, 19))
	cfg.LedgerConfig.MovementHour = getEnvIntOrDefault("LEDGER_MOVEMENT_HOUR", orInt(cfg.LedgerConfig.MovementHour, 17))
	cfg.LedgerConfig.Currency = getEnvOrDefault("LEDGER_CURRENCY", orString(cfg.LedgerConfig.Currency, "USD"))
	cfg.LedgerConfig.CacheTTLSeconds = getEnvIntOrDefault("LEDGER_CACHE_TTL_SECONDS", orInt(cfg.LedgerConfig.CacheTTLSeconds, 900))

	// Scheduler config
	cfg.SchedulerConfig.Enabled = getEnvBoolOrDefault("FEE_SCHEDULER_ENABLED", cfg.SchedulerConfig.Enabled)
	cfg.SchedulerConfig.Spec = getEnvOrDefault("FEE_SCHEDULER_SPEC", orString(cfg.SchedulerConfig.Spec, "0 30 0 * * *"))
	cfg.SchedulerConfig.AppliedBy = getEnvOrDefault("FEE_SCHEDULER_APPLIED_BY", orString(cfg.SchedulerConfig.AppliedBy, "scheduler"))

	// Notification config
	n := &cfg.NotificationConfig
	n.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", n.Enabled)
	n.SMTP.Host = getEnvOrDefault("SMTP_HOST", n.SMTP.Host)
	n.SMTP.Port = getEnvIntOrDefault("SMTP_PORT", orInt(n.SMTP.Port, 587))
	n.SMTP.Username = getEnvOrDefault("SMTP_USERNAME", n.SMTP.Username)
	n.SMTP.Password = getEnvOrDefault("SMTP_PASSWORD", n.SMTP.Password)
	n.SMTP.From = getEnvOrDefault("SMTP_FROM", n.SMTP.From)
	n.SMTP.FromName = getEnvOrDefault("SMTP_FROM_NAME", orString(n.SMTP.FromName, "Investor Ledger"))
	n.Webhook.Enabled = getEnvBoolOrDefault("NOTIFICATION_WEBHOOK_ENABLED", n.Webhook.Enabled)
	n.Webhook.URL = getEnvOrDefault("NOTIFICATION_WEBHOOK_URL", n.Webhook.URL)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{}
	applyEnvOverrides(&config)
	config.DatabaseConfig.Password = ""
	config.DatabaseConfig.URL = ""
	config.RedisConfig.Password = ""
	config.NotificationConfig.SMTP.Password = ""
	config.LoggingConfig.JSONFormat = true
	config.SchedulerConfig.Enabled = true

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
