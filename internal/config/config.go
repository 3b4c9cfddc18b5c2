package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port     string
	Debug    bool
	Env      string
	TimeZone string

	// Persistence
	DatabaseURL      string
	StorageAccount   string
	StorageContainer string
	ArchiveDir       string

	// GitHub ingestion
	GitHubWebhookSecret string
	GitHubAPIURL        string
	SyncWindow          time.Duration

	// Chat transport
	TelegramBotToken string

	// AI providers
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	GeminiAPIKey      string
	GeminiModel       string
	DefaultAIProvider string
	AIMaxRetries      int
	AIRetryDelay      time.Duration
	AITimeout         time.Duration
	AIMinInterval     time.Duration

	// Social platform
	TwitterAPIURL       string
	PlatformTimeout     time.Duration
	PlatformMinInterval time.Duration
	PlatformMaxRetries  int

	// Schedules (cron with seconds field)
	PublishSchedule   string
	SyncSchedule      string
	DraftSchedule     string
	AnalyticsSchedule string
	DigestSchedule    string

	// Notification configuration
	TeamsWebhookURL   string
	NotificationEmail string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Debug:    getBoolEnv("DEBUG", false),
		Env:      strings.ToLower(getEnv("APP_ENV", EnvProduction)),
		TimeZone: getEnv("TIMEZONE", "UTC"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "shipnote"),
		ArchiveDir:       getEnv("ARCHIVE_DIR", ""),

		GitHubWebhookSecret: getEnv("GITHUB_WEBHOOK_SECRET", ""),
		GitHubAPIURL:        getEnv("GITHUB_API_URL", "https://api.github.com"),
		SyncWindow:          getDurationEnv("SYNC_WINDOW", 24*time.Hour),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		DefaultAIProvider: strings.ToLower(getEnv("DEFAULT_AI_PROVIDER", "")),
		AIMaxRetries:      getIntEnv("AI_MAX_RETRIES", 3),
		AIRetryDelay:      getDurationEnv("AI_RETRY_DELAY", time.Second),
		AITimeout:         getDurationEnv("AI_TIMEOUT", 30*time.Second),
		AIMinInterval:     getDurationEnv("AI_MIN_INTERVAL", time.Second),

		TwitterAPIURL:       getEnv("TWITTER_API_URL", "https://api.twitter.com"),
		PlatformTimeout:     getDurationEnv("PLATFORM_TIMEOUT", 30*time.Second),
		PlatformMinInterval: getDurationEnv("PLATFORM_MIN_INTERVAL", time.Second),
		PlatformMaxRetries:  getIntEnv("PLATFORM_MAX_RETRIES", 3),

		PublishSchedule:   getEnv("PUBLISH_SCHEDULE", "0 * * * * *"),
		SyncSchedule:      getEnv("SYNC_SCHEDULE", "0 */30 * * * *"),
		DraftSchedule:     getEnv("DRAFT_SCHEDULE", "0 0 9,17 * * *"),
		AnalyticsSchedule: getEnv("ANALYTICS_SCHEDULE", "0 15 * * * *"),
		DigestSchedule:    getEnv("DIGEST_SCHEDULE", "0 0 9 * * MON"),

		TeamsWebhookURL:   getEnv("TEAMS_WEBHOOK_URL", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
	}

	if cfg.DefaultAIProvider == "" {
		cfg.DefaultAIProvider = "openai"
		if cfg.OpenAIAPIKey == "" && cfg.GeminiAPIKey != "" {
			cfg.DefaultAIProvider = "gemini"
		}
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether production gating applies
func (c *Config) IsProduction() bool {
	return c.Env != EnvDevelopment
}

// Location returns the configured time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("APP_ENV must be 'development' or 'production'")
	}

	if c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("at least one AI provider must be configured (OPENAI_API_KEY or GEMINI_API_KEY)")
	}

	switch c.DefaultAIProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("DEFAULT_AI_PROVIDER is openai but OPENAI_API_KEY is not set")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("DEFAULT_AI_PROVIDER is gemini but GEMINI_API_KEY is not set")
		}
	default:
		return fmt.Errorf("DEFAULT_AI_PROVIDER must be 'openai' or 'gemini'")
	}

	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("TIMEZONE is invalid: %w", err)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.GitHubWebhookSecret == "" {
			return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required in production")
		}
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
