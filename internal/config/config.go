package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for rebin
type Config struct {
	// HTTP configuration
	HTTPPort string

	// Database configuration, DBDriver is postgres or sqlite
	DBDriver   string
	SQLitePath string
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	// Redis configuration, empty means in-memory cache
	RedisURL string

	// RPC configuration
	RPCEndpoints []string
	RPCTimeout   time.Duration
	RPCRateLimit float64

	// External APIs
	PoolAPIURL  string
	PriceAPIURL string

	// Price oracle
	PriceMaxAttempts int
	PriceCacheTTL    time.Duration
	UserCacheTTL     time.Duration

	// Reposition engine
	DefaultRangeWidth int
	DefaultTolerance  int
	ProposalTTL       time.Duration
	FreshnessWindow   time.Duration

	// Access gate
	GateFailOpen          bool
	GateDenyUncategorized bool
	GateCreditFallback    bool
	UpgradeURL            string

	// Credit purchases, empty treasury disables them
	TreasuryAddress     string
	CreditPriceLamports uint64

	// Monitor
	MonitorEnabled     bool
	MonitorInterval    time.Duration
	MonitorConcurrency int

	// Logging configuration
	LogLevel string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		SQLitePath:  getEnv("SQLITE_PATH", "rebin.db"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBUser:      getEnv("DB_USER", ""),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", ""),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		RedisURL:    getEnv("REDIS_URL", ""),
		PoolAPIURL:  getEnv("POOL_API_URL", "https://dlmm-api.meteora.ag"),
		PriceAPIURL: getEnv("PRICE_API_URL", "https://api.jup.ag/price/v2"),
		UpgradeURL:  getEnv("UPGRADE_URL", "https://rebin.app/pricing"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		TreasuryAddress: getEnv("TREASURY_ADDRESS", ""),
	}

	// Parse RPC endpoints
	rpcEndpointsStr := getEnv("RPC_ENDPOINTS", "")
	if rpcEndpointsStr == "" {
		return cfg, fmt.Errorf("RPC_ENDPOINTS environment variable is required")
	}
	cfg.RPCEndpoints = strings.Split(rpcEndpointsStr, ",")
	for i, endpoint := range cfg.RPCEndpoints {
		cfg.RPCEndpoints[i] = strings.TrimSpace(endpoint)
	}

	var err error
	if cfg.RPCTimeout, err = parseDurationEnv("RPC_TIMEOUT", 10*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid RPC_TIMEOUT: %w", err)
	}
	if cfg.RPCRateLimit, err = parseFloatEnv("RPC_RATE_LIMIT", 5); err != nil {
		return cfg, fmt.Errorf("invalid RPC_RATE_LIMIT: %w", err)
	}
	if cfg.PriceMaxAttempts, err = parseIntEnv("PRICE_MAX_ATTEMPTS", 3); err != nil {
		return cfg, fmt.Errorf("invalid PRICE_MAX_ATTEMPTS: %w", err)
	}
	if cfg.PriceCacheTTL, err = parseDurationEnv("PRICE_CACHE_TTL", 15*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid PRICE_CACHE_TTL: %w", err)
	}
	if cfg.UserCacheTTL, err = parseDurationEnv("USER_CACHE_TTL", 30*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid USER_CACHE_TTL: %w", err)
	}
	if cfg.DefaultRangeWidth, err = parseIntEnv("DEFAULT_RANGE_WIDTH", 20); err != nil {
		return cfg, fmt.Errorf("invalid DEFAULT_RANGE_WIDTH: %w", err)
	}
	if cfg.DefaultTolerance, err = parseIntEnv("DEFAULT_TOLERANCE", 10); err != nil {
		return cfg, fmt.Errorf("invalid DEFAULT_TOLERANCE: %w", err)
	}
	if cfg.ProposalTTL, err = parseDurationEnv("PROPOSAL_TTL", 60*time.Second); err != nil {
		return cfg, fmt.Errorf("invalid PROPOSAL_TTL: %w", err)
	}
	if cfg.FreshnessWindow, err = parseDurationEnv("FRESHNESS_WINDOW", 5*time.Minute); err != nil {
		return cfg, fmt.Errorf("invalid FRESHNESS_WINDOW: %w", err)
	}
	if cfg.GateFailOpen, err = parseBoolEnv("GATE_FAIL_OPEN", true); err != nil {
		return cfg, fmt.Errorf("invalid GATE_FAIL_OPEN: %w", err)
	}
	if cfg.GateDenyUncategorized, err = parseBoolEnv("GATE_DENY_UNCATEGORIZED", false); err != nil {
		return cfg, fmt.Errorf("invalid GATE_DENY_UNCATEGORIZED: %w", err)
	}
	if cfg.GateCreditFallback, err = parseBoolEnv("GATE_CREDIT_FALLBACK", true); err != nil {
		return cfg, fmt.Errorf("invalid GATE_CREDIT_FALLBACK: %w", err)
	}
	if cfg.CreditPriceLamports, err = parseUintEnv("CREDIT_PRICE_LAMPORTS", 10_000_000); err != nil {
		return cfg, fmt.Errorf("invalid CREDIT_PRICE_LAMPORTS: %w", err)
	}
	if cfg.MonitorEnabled, err = parseBoolEnv("MONITOR_ENABLED", false); err != nil {
		return cfg, fmt.Errorf("invalid MONITOR_ENABLED: %w", err)
	}
	if cfg.MonitorInterval, err = parseDurationEnv("MONITOR_INTERVAL", 5*time.Minute); err != nil {
		return cfg, fmt.Errorf("invalid MONITOR_INTERVAL: %w", err)
	}
	if cfg.MonitorConcurrency, err = parseIntEnv("MONITOR_CONCURRENCY", 4); err != nil {
		return cfg, fmt.Errorf("invalid MONITOR_CONCURRENCY: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DSN builds the postgres connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode,
	)
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	switch c.DBDriver {
	case "postgres":
		if c.DBName == "" {
			return fmt.Errorf("DB_NAME is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER: %s (must be postgres or sqlite)", c.DBDriver)
	}

	if len(c.RPCEndpoints) == 0 || c.RPCEndpoints[0] == "" {
		return fmt.Errorf("at least one RPC endpoint is required")
	}

	if c.RPCRateLimit <= 0 {
		return fmt.Errorf("RPC_RATE_LIMIT must be positive")
	}

	if c.PriceMaxAttempts < 1 {
		return fmt.Errorf("PRICE_MAX_ATTEMPTS must be at least 1")
	}

	if c.DefaultRangeWidth < 2 || c.DefaultRangeWidth > 69 {
		return fmt.Errorf("DEFAULT_RANGE_WIDTH must be between 2 and 69")
	}

	if c.DefaultTolerance < 1 {
		return fmt.Errorf("DEFAULT_TOLERANCE must be at least 1")
	}

	if c.TreasuryAddress != "" && c.CreditPriceLamports == 0 {
		return fmt.Errorf("CREDIT_PRICE_LAMPORTS must be positive when TREASURY_ADDRESS is set")
	}

	if c.MonitorConcurrency < 1 {
		return fmt.Errorf("MONITOR_CONCURRENCY must be at least 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

func parseUintEnv(key string, defaultValue uint64) (uint64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(str, 10, 64)
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(str, 64)
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(str)
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}
