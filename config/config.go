/*
Package config loads server configuration.

PURPOSE:
  Collects every tunable of the rewards server in one struct. Values come
  from, in increasing priority:
  1. Built-in defaults
  2. Environment variables (optionally from .env / .env.dev)
  3. Command-line flags (-port, -db, -log-level)

ENVIRONMENT:
  PORT                  HTTP port (default 8080)
  DB_PATH               SQLite path (default rewards.db, ":memory:" allowed)
  DATABASE_URL          PostgreSQL DSN; when set, used instead of SQLite
  LOG_LEVEL             debug | info | warn | error
  LOG_FILE              Optional rotating log file
  ETH_RPC_URL           JSON-RPC endpoint; unset = simulated ledger
  CHAIN_ID              Target chain id
  TOKEN_ADDRESS         Reward token contract
  TOKEN_DECIMALS        Token decimals (default 18)
  MINTER_PRIVATE_KEY    Hex key allowed to call mint
  JWT_SECRET            Session signing secret
  SESSION_TTL           Session token lifetime (default 24h)
  MINT_TIMEOUT          Bound on a mint's confirmation wait (default 2m)
  RECEIPT_POLL_INTERVAL Receipt polling period (default 2s)
  BALANCE_SYNC_INTERVAL Background balance refresh (default 5m, 0 disables)
  CORS_ORIGINS          Comma-separated allowed origins

SEE ALSO:
  - cmd/server/main.go: Loads and validates the config
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port        int
	DBPath      string
	DatabaseURL string

	LogLevel string
	LogFile  string

	RPCURL        string
	ChainID       int64
	TokenAddress  string
	TokenDecimals int
	MinterKey     string

	JWTSecret  string
	SessionTTL time.Duration

	MintTimeout         time.Duration
	ReceiptPollInterval time.Duration
	BalanceSyncInterval time.Duration

	CORSOrigins []string
}

// LoadEnv loads environment variables from local .env files if present.
func LoadEnv(logger *logrus.Logger) {
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
	if logger != nil && len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return Config{
		Port:        GetEnvInt("PORT", 8080),
		DBPath:      GetEnv("DB_PATH", "rewards.db"),
		DatabaseURL: GetEnv("DATABASE_URL", ""),

		LogLevel: GetEnv("LOG_LEVEL", "info"),
		LogFile:  GetEnv("LOG_FILE", ""),

		RPCURL:        GetEnv("ETH_RPC_URL", ""),
		ChainID:       int64(GetEnvInt("CHAIN_ID", 0)),
		TokenAddress:  GetEnv("TOKEN_ADDRESS", ""),
		TokenDecimals: GetEnvInt("TOKEN_DECIMALS", 18),
		MinterKey:     GetEnv("MINTER_PRIVATE_KEY", ""),

		JWTSecret:  GetEnv("JWT_SECRET", ""),
		SessionTTL: GetEnvDuration("SESSION_TTL", 24*time.Hour),

		MintTimeout:         GetEnvDuration("MINT_TIMEOUT", 2*time.Minute),
		ReceiptPollInterval: GetEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		BalanceSyncInterval: GetEnvDuration("BALANCE_SYNC_INTERVAL", 5*time.Minute),

		CORSOrigins: GetEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
}

// BindFlags registers the command-line overrides. Defaults are the
// values already in c, so flags win over the environment.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
}

// ChainEnabled reports whether a real EVM ledger is configured.
func (c Config) ChainEnabled() bool { return c.RPCURL != "" }

// Validate rejects impossible or partial configurations.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		errs = append(errs, errors.New("one of DB_PATH or DATABASE_URL is required"))
	}
	if c.MintTimeout <= 0 {
		errs = append(errs, errors.New("MINT_TIMEOUT must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.ChainEnabled() {
		if c.ChainID <= 0 {
			errs = append(errs, errors.New("CHAIN_ID is required with ETH_RPC_URL"))
		}
		if !common.IsHexAddress(c.TokenAddress) {
			errs = append(errs, errors.New("TOKEN_ADDRESS must be a hex address with ETH_RPC_URL"))
		}
		if c.MinterKey == "" {
			errs = append(errs, errors.New("MINTER_PRIVATE_KEY is required with ETH_RPC_URL"))
		}
		if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
			errs = append(errs, fmt.Errorf("TOKEN_DECIMALS %d out of range", c.TokenDecimals))
		}
		if c.ReceiptPollInterval <= 0 {
			errs = append(errs, errors.New("RECEIPT_POLL_INTERVAL must be positive"))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENV HELPERS
// =============================================================================

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration parses a Go duration ("90s", "2m") with a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma-separated variable, dropping empty items
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
