package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values for optional environment variables.
const (
	DefaultPort             = "3010"
	DefaultSyncInterval     = 60 * time.Second
	DefaultOfficeBaseDomain = "office.xyz"
	DefaultVoiceAgentID     = "agent_4901k6k9xg9qf4paratx1d9rkmwx"
	DefaultChatBridgeURL    = "http://localhost:3020"
	DefaultDataDir          = "./data"
)

// Config holds validated environment configuration
type Config struct {
	Port string

	// Registry service connectivity
	RegistryURL   string
	RegistryToken string
	SyncInterval  time.Duration

	// Namespace / agent defaults
	OfficeBaseDomain string
	DefaultVoiceID   string
	DefaultOfficeID  string

	// Collaborator endpoints
	ChatBridgeURL string

	// Storage
	DataDir    string
	SecretsDir string

	// Walkable map inputs
	MapPath  string
	GridPath string

	// Ambient
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any variable is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (valid port number, defaults to 3010)
	cfg.Port = getEnvOrDefault("PORT", DefaultPort)
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Registry base URL: first of the alias chain wins.
	cfg.RegistryURL = firstEnv(
		"REGISTRY_SERVICE_URL",
		"REGISTRY_SERVICE_ORIGIN",
		"REGISTRY_SERVICE_BASE_URL",
		"REGISTRY_API_URL",
	)
	cfg.RegistryURL = strings.TrimRight(cfg.RegistryURL, "/")

	cfg.RegistryToken = firstEnv("REGISTRY_SERVICE_TOKEN", "REGISTRY_API_TOKEN")

	// Optional: REGISTRY_SYNC_INTERVAL_MS (defaults to 60000)
	cfg.SyncInterval = DefaultSyncInterval
	if raw := os.Getenv("REGISTRY_SYNC_INTERVAL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			errors = append(errors, fmt.Sprintf("REGISTRY_SYNC_INTERVAL_MS must be a positive integer (got '%s')", raw))
		} else {
			cfg.SyncInterval = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.OfficeBaseDomain = getEnvOrDefault("OFFICE_BASE_DOMAIN", DefaultOfficeBaseDomain)
	cfg.DefaultVoiceID = getEnvOrDefault("DEFAULT_AGENT_VOICE_ID", DefaultVoiceAgentID)
	cfg.DefaultOfficeID = firstEnv("REGISTRY_OFFICE_ID", "OFFICE_ID", "SKYOFFICE_OFFICE_ID")
	cfg.ChatBridgeURL = strings.TrimRight(getEnvOrDefault("CHAT_BRIDGE_URL", DefaultChatBridgeURL), "/")

	cfg.DataDir = getEnvOrDefault("DATA_DIR", DefaultDataDir)
	cfg.SecretsDir = os.Getenv("SECRETS_DIR")
	cfg.MapPath = os.Getenv("MAP_PATH")
	cfg.GridPath = os.Getenv("GRID_PATH")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// firstEnv returns the first non-empty value among the named variables.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"registry_url", cfg.RegistryURL,
		"registry_token", redactSecret(cfg.RegistryToken),
		"sync_interval", cfg.SyncInterval,
		"office_base_domain", cfg.OfficeBaseDomain,
		"chat_bridge_url", cfg.ChatBridgeURL,
		"data_dir", cfg.DataDir,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
