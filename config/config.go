// Package config loads service settings from .env files and the process
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config is the full set of runtime settings. cmd/* flags may override
// individual fields after Load.
type Config struct {
	Port string

	DBDriver    string // sqlite | postgres | memory
	DBPath      string
	DatabaseURL string

	LogLevel  string
	LogFormat string // json | text

	Currency string

	MoPayBaseURL    string
	MoPayAPIToken   string
	MoPayTimeout    time.Duration
	MoPayMaxRetries int
	CallbackURL     string

	WithdrawalMinAmount  decimal.Decimal
	LedgerMaxRetries     int
	DeductionConcurrency int

	SchedulerEnabled     bool
	SchedulerInterval    time.Duration
	StaleWithdrawalAfter time.Duration
}

// LoadEnv loads environment variables from .env files if present.
func LoadEnv(logger logrus.FieldLogger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:                 GetEnv("PORT", "8080"),
		DBDriver:             strings.ToLower(GetEnv("DB_DRIVER", "sqlite")),
		DBPath:               GetEnv("DB_PATH", "ledger.db"),
		DatabaseURL:          GetEnv("DATABASE_URL", ""),
		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		LogFormat:            GetEnv("LOG_FORMAT", "json"),
		Currency:             GetEnv("CURRENCY", "RWF"),
		MoPayBaseURL:         GetEnv("MOPAY_BASE_URL", "https://api.mopay.rw"),
		MoPayAPIToken:        GetEnv("MOPAY_API_TOKEN", ""),
		MoPayTimeout:         GetEnvDuration("MOPAY_TIMEOUT", 30*time.Second),
		MoPayMaxRetries:      GetEnvInt("MOPAY_MAX_RETRIES", 2),
		CallbackURL:          GetEnv("CALLBACK_URL", "http://localhost:8080/api/mobile-money/callback"),
		LedgerMaxRetries:     GetEnvInt("LEDGER_MAX_RETRIES", 3),
		DeductionConcurrency: GetEnvInt("DEDUCTION_CONCURRENCY", 4),
		SchedulerEnabled:     GetEnvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval:    GetEnvDuration("SCHEDULER_INTERVAL", time.Hour),
		StaleWithdrawalAfter: GetEnvDuration("STALE_WITHDRAWAL_AFTER", 15*time.Minute),
	}

	minAmount, err := decimal.NewFromString(GetEnv("WITHDRAWAL_MIN_AMOUNT", "100"))
	if err != nil {
		return cfg, fmt.Errorf("WITHDRAWAL_MIN_AMOUNT: %w", err)
	}
	cfg.WithdrawalMinAmount = minAmount

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	if c.DeductionConcurrency < 1 {
		return fmt.Errorf("DEDUCTION_CONCURRENCY must be at least 1")
	}
	if c.LedgerMaxRetries < 0 || c.MoPayMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.WithdrawalMinAmount.IsNegative() {
		return fmt.Errorf("WITHDRAWAL_MIN_AMOUNT must not be negative")
	}
	return nil
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration parses values like "30s" or "15m".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
