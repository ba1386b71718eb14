// Package config provides environment configuration for the scheduler.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreSQL    = "sql"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	PublicURL          string

	// Slack settings
	SlackBotToken      string
	SlackSigningSecret string

	// Google OAuth settings
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Storage
	StoreBackend   string
	DatabaseDriver string
	DatabaseDSN    string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSReplicas int
	AuditEnabled bool

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	DefaultLLM      string
	LLMTimeout      time.Duration
	LLMMaxRetries   int

	// Conversation behaviour
	MaxIterations    int
	ConversationTTL  time.Duration
	ActionTTL        time.Duration
	DeferredTTL      time.Duration
	OAuthStateTTL    time.Duration
	TokenRefreshSkew time.Duration
	HandlerTimeout   time.Duration
	// PurgeInterval is how often the sql and memory backends delete expired records.
	PurgeInterval time.Duration

	// Business calendar
	BusinessCalendarFile string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		PublicURL:          strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),

		// Slack
		SlackBotToken:      getEnv("SLACK_BOT_TOKEN", ""),
		SlackSigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),

		// Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// Storage
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSReplicas: getIntEnv("NATS_REPLICAS", 1),
		AuditEnabled: getBoolEnv("AUDIT_ENABLED", false),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 60*time.Second),
		LLMMaxRetries:   getIntEnv("LLM_MAX_RETRIES", 2),

		// Conversation
		MaxIterations:    getIntEnv("MAX_TOOL_ITERATIONS", 5),
		ConversationTTL:  getDurationEnv("CONVERSATION_TTL", 24*time.Hour),
		ActionTTL:        getDurationEnv("ACTION_TTL", 24*time.Hour),
		DeferredTTL:      getDurationEnv("DEFERRED_TTL", 10*time.Minute),
		OAuthStateTTL:    getDurationEnv("OAUTH_STATE_TTL", 10*time.Minute),
		TokenRefreshSkew: getDurationEnv("TOKEN_REFRESH_SKEW", time.Minute),
		HandlerTimeout:   getDurationEnv("HANDLER_TIMEOUT", 2*time.Minute),
		PurgeInterval:    getDurationEnv("PURGE_INTERVAL", 15*time.Minute),

		BusinessCalendarFile: getEnv("BUSINESS_CALENDAR_FILE", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that would leave the server unable to start.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreNATS, StoreSQL:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("MAX_TOOL_ITERATIONS must be at least 1")
	}
	switch c.DefaultLLM {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when DEFAULT_LLM=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when DEFAULT_LLM=openai")
		}
	default:
		return fmt.Errorf("unknown DEFAULT_LLM %q", c.DefaultLLM)
	}
	return nil
}

// OAuthRedirectURL returns the Google callback, derived from PublicURL when
// not set explicitly.
func (c *Config) OAuthRedirectURL() string {
	if c.GoogleRedirectURL != "" {
		return c.GoogleRedirectURL
	}
	return c.PublicURL + "/oauth/google/callback"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
