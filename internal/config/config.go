package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds infrastructure-level configuration for the relayer.
// Per-session state (contract, ABI, permissions) arrives with the requests.
type Config struct {
	// Server
	Port int

	// Chain
	RPCURL string

	// Crypto engine
	EngineURL            string
	EngineTimeoutSeconds int

	// Decryption permissions
	PermissionDurationDays int64

	// Sessions
	SessionTTLSeconds int

	// Decrypted-value cache
	DecryptCacheTTLSeconds int

	// Audit trail (optional; disabled when empty)
	PostgresDSN      string
	PostgresMaxConns int
	PostgresMinConns int

	// Custody key wrapping
	KeywrapProvider     string // local, aws-kms or vault
	KeywrapMasterKeyHex string
	AWSKMSKeyID         string
	AWSKMSRegion        string
	VaultAddress        string
	VaultToken          string
	VaultTransitKey     string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     int
	RateLimitBurst   int

	// API-key gate (optional; disabled when empty).
	// Comma-separated bcrypt hashes of accepted keys.
	APIKeyHashes []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   getEnvInt("PORT", 8080),
		RPCURL:                 getEnv("RPC_URL", ""),
		EngineURL:              getEnv("ENGINE_URL", ""),
		EngineTimeoutSeconds:   getEnvInt("ENGINE_TIMEOUT_SECONDS", 30),
		PermissionDurationDays: int64(getEnvInt("PERMISSION_DURATION_DAYS", 10)),
		SessionTTLSeconds:      getEnvInt("SESSION_TTL_SECONDS", 3600),
		DecryptCacheTTLSeconds: getEnvInt("DECRYPT_CACHE_TTL_SECONDS", 30),
		PostgresDSN:            getEnv("POSTGRES_DSN", ""),
		PostgresMaxConns:       getEnvInt("POSTGRES_MAX_CONNS", 16),
		PostgresMinConns:       getEnvInt("POSTGRES_MIN_CONNS", 2),
		KeywrapProvider:        getEnv("KEYWRAP_PROVIDER", "local"),
		KeywrapMasterKeyHex:    getEnv("KEYWRAP_MASTER_KEY", ""),
		AWSKMSKeyID:            getEnv("AWS_KMS_KEY_ID", ""),
		AWSKMSRegion:           getEnv("AWS_KMS_REGION", ""),
		VaultAddress:           getEnv("VAULT_ADDR", ""),
		VaultToken:             getEnv("VAULT_TOKEN", ""),
		VaultTransitKey:        getEnv("VAULT_TRANSIT_KEY", ""),
		RateLimitEnabled:       getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:           getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:         getEnvInt("RATE_LIMIT_BURST", 40),
		APIKeyHashes:           getEnvList("API_KEY_HASHES"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.EngineURL == "" {
		return fmt.Errorf("ENGINE_URL is required")
	}

	if c.PermissionDurationDays <= 0 {
		return fmt.Errorf("PERMISSION_DURATION_DAYS must be positive")
	}

	switch c.KeywrapProvider {
	case "local":
		if c.KeywrapMasterKeyHex == "" {
			return fmt.Errorf("KEYWRAP_MASTER_KEY is required when KEYWRAP_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.AWSKMSKeyID == "" || c.AWSKMSRegion == "" {
			return fmt.Errorf("AWS_KMS_KEY_ID and AWS_KMS_REGION are required when KEYWRAP_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.VaultAddress == "" || c.VaultToken == "" || c.VaultTransitKey == "" {
			return fmt.Errorf("VAULT_ADDR, VAULT_TOKEN and VAULT_TRANSIT_KEY are required when KEYWRAP_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KEYWRAP_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.KeywrapProvider)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvList gets a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
