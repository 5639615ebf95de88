package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, assembled once at startup from
// environment variables (optionally loaded from a local .env file).
type Config struct {
	// Chain
	ChainWSURL    string // websocket endpoint for event subscriptions
	ChainHTTPURL  string // http endpoint for CallContract reads
	ContractAddr  string
	WatchdogTimeout time.Duration // tau: restart a subscription after this much silence

	// Store
	DatabaseURL string

	// Concurrency
	DBConc  int
	RPCConc int

	// Backfill
	BackfillChunk int
	BackfillPage  int

	// Consumers
	ConsumerBackfillOnRestart string // "lighter" (default) or "always"
	DedupCacheSize            int
	DedupTTL                  time.Duration

	// API
	APIPort int

	// Alerting (optional)
	TelegramToken  string
	TelegramChatID int64

	// Logging
	Debug bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ChainWSURL:      getEnv("CHAIN_WS_URL", ""),
		ChainHTTPURL:    getEnv("CHAIN_HTTP_URL", ""),
		ContractAddr:    getEnv("CONTRACT_ADDRESS", ""),
		WatchdogTimeout: getEnvDuration("WATCHDOG_TIMEOUT", 15*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		DBConc:  getEnvInt("DB_CONC", 500),
		RPCConc: getEnvInt("RPC_CONC", 100),

		BackfillChunk: getEnvInt("BACKFILL_CHUNK", 400),
		BackfillPage:  getEnvInt("BACKFILL_PAGE", 10000),

		ConsumerBackfillOnRestart: getEnv("CONSUMER_BACKFILL_ON_RESTART", "lighter"),
		DedupCacheSize:            getEnvInt("DEDUP_CACHE_SIZE", 5000),
		DedupTTL:                  getEnvDuration("DEDUP_TTL", 5*time.Minute),

		APIPort: getEnvInt("API_PORT", 8080),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.ChainWSURL == "" {
		return nil, fmt.Errorf("CHAIN_WS_URL is required")
	}
	if cfg.ChainHTTPURL == "" {
		return nil, fmt.Errorf("CHAIN_HTTP_URL is required")
	}
	if cfg.ContractAddr == "" {
		return nil, fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ConsumerBackfillOnRestart != "lighter" && cfg.ConsumerBackfillOnRestart != "always" {
		return nil, fmt.Errorf("CONSUMER_BACKFILL_ON_RESTART must be \"lighter\" or \"always\", got %q", cfg.ConsumerBackfillOnRestart)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
