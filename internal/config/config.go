// Package config provides configuration management functionality.
//
// Configuration is loaded from a .env file (if present) and environment
// variables. Model credentials are not configured here: they live in the
// llm_configs table and are managed through the admin API, with the AI_MODELS
// list below acting only as the static fallback when the table is empty.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	DataDir  string
	Port     int
	DevMode  bool
	LogLevel string

	// Database
	DatabasePath string

	// Redis / queue substrate
	RedisURL          string
	ConsumerGroup     string
	ConsumerBatchSize int
	ConsumerBlock     time.Duration

	// Retry policy
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	DLQEnabled     bool

	// Signal validation
	MaxSignalAge time.Duration
	MaxDriftBps  float64

	// Enrichment
	FeatureProfile string
	ProfilesPath   string // optional YAML overriding the built-in profiles

	// Market data provider
	ProviderBaseURL string
	ProviderTimeout time.Duration

	// AI models (fallback when llm_configs is empty)
	AIModels []string

	// Prompts
	PromptsDir string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitPerMin  int
	RateLimitBurst   int

	// WebSocket
	WSEnabled        bool
	WSMaxConnections int

	// Auth
	AuthMode        string // none, psk, jwt
	AuthTokenSubmit string
	AuthTokenRead   string
	AuthTokenAdmin  string
	JWTPublicKey    string
	JWTJWKSURL      string
	JWTIssuer       string
	JWTAudience     string
	JWTScopeClaim   string
}

// Load reads configuration from environment variables, loading .env first if
// it exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("LENS_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8000),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabasePath: getEnv("DATABASE_PATH", filepath.Join(absDataDir, "lens.db")),

		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ConsumerGroup:     getEnv("CONSUMER_GROUP", "lens-workers"),
		ConsumerBatchSize: getEnvAsInt("CONSUMER_BATCH_SIZE", 10),
		ConsumerBlock:     getEnvAsDuration("CONSUMER_BLOCK_MS", 5000*time.Millisecond),

		RetryMax:       getEnvAsInt("RETRY_MAX", 5),
		RetryBaseDelay: getEnvAsDuration("RETRY_BASE_DELAY_MS", 2000*time.Millisecond),
		RetryMaxDelay:  getEnvAsDuration("RETRY_MAX_DELAY_MS", 30000*time.Millisecond),
		DLQEnabled:     getEnvAsBool("DLQ_ENABLED", true),

		MaxSignalAge: getEnvAsDuration("MAX_SIGNAL_AGE_MS", 300000*time.Millisecond),
		MaxDriftBps:  getEnvAsFloat("MAX_PRICE_DRIFT_BPS", 200),

		FeatureProfile: getEnv("FEATURE_PROFILE", "trend_follow_v1"),
		ProfilesPath:   getEnv("FEATURE_PROFILES_PATH", ""),

		ProviderBaseURL: getEnv("HYPERLIQUID_BASE_URL", "https://api.hyperliquid.xyz"),
		ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT_MS", 10000*time.Millisecond),

		AIModels: splitCSV(getEnv("AI_MODELS", "chatgpt,gemini")),

		PromptsDir: getEnv("PROMPTS_DIR", "prompts"),

		RateLimitEnabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:  getEnvAsInt("RATE_LIMIT_PER_MIN", 60),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 120),

		WSEnabled:        getEnvAsBool("WS_ENABLED", true),
		WSMaxConnections: getEnvAsInt("WS_MAX_CONNECTIONS", 100),

		AuthMode:        getEnv("AUTH_MODE", "none"),
		AuthTokenSubmit: getEnv("AUTH_TOKEN_SUBMIT", ""),
		AuthTokenRead:   getEnv("AUTH_TOKEN_READ", ""),
		AuthTokenAdmin:  getEnv("AUTH_TOKEN_ADMIN", ""),
		JWTPublicKey:    getEnv("AUTH_JWT_PUBLIC_KEY", ""),
		JWTJWKSURL:      getEnv("AUTH_JWT_JWKS_URL", ""),
		JWTIssuer:       getEnv("AUTH_JWT_ISSUER", ""),
		JWTAudience:     getEnv("AUTH_JWT_AUDIENCE", ""),
		JWTScopeClaim:   getEnv("AUTH_JWT_SCOPE_CLAIM", "scope"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case "none", "psk", "jwt":
	default:
		return fmt.Errorf("AUTH_MODE must be one of none, psk, jwt (got %q)", c.AuthMode)
	}
	if c.AuthMode == "jwt" && c.JWTPublicKey == "" && c.JWTJWKSURL == "" {
		return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWT_PUBLIC_KEY or AUTH_JWT_JWKS_URL")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must be >= 0")
	}
	if c.RateLimitBurst < c.RateLimitPerMin {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= RATE_LIMIT_PER_MIN")
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a millisecond-valued environment variable.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
