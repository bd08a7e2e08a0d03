package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Agent provider identifiers accepted by AGENT_PROVIDER.
const (
	ProviderVoiceLive = "voicelive"
	ProviderGemini    = "gemini"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Auth     AuthConfig
	Agent    AgentConfig
	Services ServicesConfig
	Twilio   TwilioConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Voice    VoiceConfig
	Server   ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecret       string
	BrowserTokenTTL time.Duration
}

// AgentConfig selects and configures the speech-to-speech provider
type AgentConfig struct {
	Provider  string
	VoiceLive VoiceLiveConfig
	Gemini    GeminiConfig
}

// VoiceLiveConfig holds Azure Voice Live connection settings
type VoiceLiveConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Voice    string
}

// GeminiConfig holds Google Gemini Live connection settings
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// ServicesConfig holds external service API keys and configuration
type ServicesConfig struct {
	OpenAIAPIKey       string
	AssistModel        string
	ResendAPIKey       string
	DefaultEmailSender string
}

// TwilioConfig holds Twilio webhook validation settings
type TwilioConfig struct {
	AuthToken         string
	ValidateSignature bool
}

// RedisConfig holds Redis connection settings for rate limiting
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// KafkaConfig holds Kafka/event streaming configuration
type KafkaConfig struct {
	Enabled bool
	Brokers string
	Topic   string
}

// VoiceConfig holds tunables for the audio path and tool execution
type VoiceConfig struct {
	FrameBuffer        int
	ToolTimeout        time.Duration
	MaxConcurrentTools int
	DrainGrace         time.Duration
	AcceptTimeout      time.Duration
	RateLimitPerMinute int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	PublicBaseURL  string
	AllowedOrigins []string
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	// Database configuration
	var err error
	if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
		return nil, err
	}

	// Auth configuration
	if cfg.Auth.JWTSecret, err = requireEnv("JWT_SECRET"); err != nil {
		return nil, err
	}
	cfg.Auth.BrowserTokenTTL, err = secondsEnv("BROWSER_TOKEN_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}

	// Agent provider configuration
	cfg.Agent.Provider = getEnvWithDefault("AGENT_PROVIDER", ProviderVoiceLive)
	switch cfg.Agent.Provider {
	case ProviderVoiceLive:
		if cfg.Agent.VoiceLive.Endpoint, err = requireEnv("VOICE_LIVE_ENDPOINT"); err != nil {
			return nil, err
		}
		if cfg.Agent.VoiceLive.APIKey, err = requireEnv("VOICE_LIVE_API_KEY"); err != nil {
			return nil, err
		}
		cfg.Agent.VoiceLive.Model = getEnvWithDefault("VOICE_LIVE_MODEL", "gpt-4o")
		cfg.Agent.VoiceLive.Voice = getEnvWithDefault("VOICE_LIVE_VOICE", "en-US-Ava:DragonHDLatestNeural")
	case ProviderGemini:
		if cfg.Agent.Gemini.APIKey, err = requireEnv("GOOGLE_AI_API_KEY"); err != nil {
			return nil, err
		}
		cfg.Agent.Gemini.Model = getEnvWithDefault("GEMINI_MODEL", "gemini-2.5-flash-preview-native-audio-dialog")
		cfg.Agent.Gemini.Voice = getEnvWithDefault("GEMINI_VOICE", "Aoede")
	default:
		return nil, fmt.Errorf("unknown AGENT_PROVIDER %q", cfg.Agent.Provider)
	}

	// Services configuration
	if cfg.Services.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.AssistModel = getEnvWithDefault("ASSIST_MODEL", "gpt-4o-mini")
	if cfg.Services.ResendAPIKey, err = requireEnv("RESEND_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.Services.DefaultEmailSender, err = requireEnv("DEFAULT_EMAIL_SENDER_ADDRESS"); err != nil {
		return nil, err
	}

	// Twilio configuration
	if cfg.Twilio.AuthToken, err = requireEnv("TWILIO_AUTH_TOKEN"); err != nil {
		return nil, err
	}
	cfg.Twilio.ValidateSignature, err = boolEnv("TWILIO_VALIDATE_SIGNATURE", true)
	if err != nil {
		return nil, err
	}

	// Redis configuration (optional, rate limiting degrades to pass-through)
	cfg.Redis.Enabled, err = boolEnv("REDIS_ENABLED", false)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Enabled {
		if cfg.Redis.Host, err = requireEnv("REDIS_HOST"); err != nil {
			return nil, err
		}
		cfg.Redis.Port, err = intEnv("REDIS_PORT", 6379)
		if err != nil {
			return nil, err
		}
		cfg.Redis.Password = getEnvWithDefault("REDIS_PASSWORD", "")
		cfg.Redis.DB, err = intEnv("REDIS_DB", 0)
		if err != nil {
			return nil, err
		}
	}

	// Kafka configuration (optional, call events are skipped when disabled)
	cfg.Kafka.Enabled, err = boolEnv("KAFKA_ENABLED", false)
	if err != nil {
		return nil, err
	}
	if cfg.Kafka.Enabled {
		if cfg.Kafka.Brokers, err = requireEnv("KAFKA_BROKERS"); err != nil {
			return nil, err
		}
		cfg.Kafka.Topic = getEnvWithDefault("KAFKA_TOPIC", "call-events")
	}

	// Voice path configuration
	cfg.Voice.FrameBuffer, err = intEnv("VOICE_FRAME_BUFFER", 64)
	if err != nil {
		return nil, err
	}
	cfg.Voice.ToolTimeout, err = secondsEnv("TOOL_TIMEOUT_SECONDS", 8)
	if err != nil {
		return nil, err
	}
	cfg.Voice.MaxConcurrentTools, err = intEnv("MAX_CONCURRENT_TOOLS", 2)
	if err != nil {
		return nil, err
	}
	cfg.Voice.DrainGrace, err = secondsEnv("DRAIN_GRACE_SECONDS", 2)
	if err != nil {
		return nil, err
	}
	cfg.Voice.AcceptTimeout, err = secondsEnv("ACCEPT_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.Voice.RateLimitPerMinute, err = intEnv("TOKEN_RATE_LIMIT_PER_MINUTE", 10)
	if err != nil {
		return nil, err
	}

	// Server configuration
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}
	if cfg.Server.PublicBaseURL, err = requireEnv("PUBLIC_BASE_URL"); err != nil {
		return nil, err
	}
	if origins := getEnvWithDefault("ALLOWED_ORIGINS", ""); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, strings.TrimSpace(origin))
		}
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// intEnv retrieves an integer environment variable or returns a default value
func intEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

// secondsEnv retrieves a duration environment variable expressed in whole seconds
func secondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := intEnv(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// boolEnv retrieves a boolean environment variable or returns a default value
func boolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}
