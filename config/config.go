/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. Defaults
  2. YAML file named by -config (or LEDGER_CONFIG)
  3. Environment variables
  4. Command-line flags that were explicitly set

ENVIRONMENT:
  PORT, LOG_LEVEL, DATABASE_URL, REDIS_ADDR
  LEDGER_LOG_FORMAT, LEDGER_STORE, LEDGER_SQLITE_PATH
  LEDGER_HOLD_DEFAULT, LEDGER_HOLD_MAX, LEDGER_IDEMPOTENCY_RETENTION
  LEDGER_SWEEPER_ENABLED, LEDGER_SWEEP_INTERVAL, LEDGER_SWEEP_BATCH
  LEDGER_NOTIFY_ENABLED, LEDGER_NOTIFY_RATE, LEDGER_CORS_ORIGINS
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Port        int      `yaml:"port"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"` // "json" | "text"
	Store       string   `yaml:"store"`      // "memory" | "sqlite" | "postgres"
	SQLitePath  string   `yaml:"sqlite_path"`
	DatabaseURL string   `yaml:"database_url"`
	RedisAddr   string   `yaml:"redis_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	Ledger  LedgerConfig  `yaml:"ledger"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Notify  NotifyConfig  `yaml:"notify"`
}

type LedgerConfig struct {
	DefaultHold          time.Duration `yaml:"default_hold"`
	MaxHold              time.Duration `yaml:"max_hold"`
	IdempotencyRetention time.Duration `yaml:"idempotency_retention"`
	RetryAttempts        uint          `yaml:"retry_attempts"`
}

type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	LeaseKey  string        `yaml:"lease_key"` // used only when RedisAddr is set
}

type NotifyConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Workers    int     `yaml:"workers"`
	QueueSize  int     `yaml:"queue_size"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	// BusinessInbox, when set, receives a copy of every notification.
	// "{businessId}" is replaced by the tenant id.
	BusinessInbox string `yaml:"business_inbox"`
	DedupPrefix   string `yaml:"dedup_prefix"`
}

// Default returns a configuration that boots a single-node server on SQLite.
func Default() *Config {
	return &Config{
		Port:        8080,
		LogLevel:    "INFO",
		LogFormat:   "json",
		Store:       StoreSQLite,
		SQLitePath:  "ledger.db",
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		Ledger: LedgerConfig{
			DefaultHold:          5 * time.Minute,
			MaxHold:              30 * time.Minute,
			IdempotencyRetention: 24 * time.Hour,
			RetryAttempts:        6,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchSize: 100,
			LeaseKey:  "ledger:sweeper:lease",
		},
		Notify: NotifyConfig{
			Enabled:     true,
			Workers:     2,
			QueueSize:   256,
			RatePerSec:  10,
			Burst:       5,
			DedupPrefix: "ledger:notify:",
		},
	}
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (*Config, error) {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	var (
		path      = fs.String("config", "", "path to a YAML config file")
		port      = fs.Int("port", 0, "HTTP server port")
		store     = fs.String("store", "", "store backend: memory, sqlite or postgres")
		db        = fs.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
		dbURL     = fs.String("database-url", "", "PostgreSQL connection URL")
		redisAddr = fs.String("redis", "", "Redis address for sweeper lease and notification dedup")
		logLevel  = fs.String("log-level", "", "log level: DEBUG, INFO, WARN, ERROR")
		logFormat = fs.String("log-format", "", "log format: json or text")
		sweep     = fs.Duration("sweep-interval", 0, "expiry sweeper interval")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	file := *path
	if file == "" {
		file, _ = lookup("LEDGER_CONFIG")
	}
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "store":
			cfg.Store = *store
		case "db":
			cfg.SQLitePath = *db
		case "database-url":
			cfg.DatabaseURL = *dbURL
		case "redis":
			cfg.RedisAddr = *redisAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "sweep-interval":
			cfg.Sweeper.Interval = *sweep
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LEDGER_LOG_FORMAT", &c.LogFormat)
	str("LEDGER_STORE", &c.Store)
	str("LEDGER_SQLITE_PATH", &c.SQLitePath)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	if v, ok := lookup("LEDGER_CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}

	dur("LEDGER_HOLD_DEFAULT", &c.Ledger.DefaultHold)
	dur("LEDGER_HOLD_MAX", &c.Ledger.MaxHold)
	dur("LEDGER_IDEMPOTENCY_RETENTION", &c.Ledger.IdempotencyRetention)

	boolean("LEDGER_SWEEPER_ENABLED", &c.Sweeper.Enabled)
	dur("LEDGER_SWEEP_INTERVAL", &c.Sweeper.Interval)
	num("LEDGER_SWEEP_BATCH", &c.Sweeper.BatchSize)

	boolean("LEDGER_NOTIFY_ENABLED", &c.Notify.Enabled)
	if v, ok := lookup("LEDGER_NOTIFY_RATE"); ok && v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_NOTIFY_RATE: %w", err))
		} else {
			c.Notify.RatePerSec = r
		}
	}

	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite store requires sqlite_path"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.DefaultHold <= 0 || c.Ledger.MaxHold < c.Ledger.DefaultHold {
		errs = append(errs, fmt.Errorf("hold durations: default %s must be positive and not above max %s",
			c.Ledger.DefaultHold, c.Ledger.MaxHold))
	}
	if c.Ledger.IdempotencyRetention <= 0 {
		errs = append(errs, errors.New("idempotency_retention must be positive"))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper interval must be positive"))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, errors.New("sweeper batch_size must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a case-insensitive level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Inbox returns the business inbox recipient for businessID, or "".
func (n NotifyConfig) Inbox(businessID string) string {
	if n.BusinessInbox == "" {
		return ""
	}
	return strings.ReplaceAll(n.BusinessInbox, "{businessId}", businessID)
}
