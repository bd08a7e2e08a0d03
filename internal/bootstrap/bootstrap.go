package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"voice-server/internal/assist"
	"voice-server/internal/clients/googleai"
	kafkaClient "voice-server/internal/clients/kafka"
	"voice-server/internal/clients/mail"
	openaiClient "voice-server/internal/clients/openai"
	redisClient "voice-server/internal/clients/redis"
	"voice-server/internal/config"
	"voice-server/internal/email"
	"voice-server/internal/events"
	"voice-server/internal/observability"
	"voice-server/internal/ratelimit"
	"voice-server/internal/store"
	"voice-server/internal/support"
	"voice-server/internal/voice/registry"
	"voice-server/internal/voice/tools"
	voiceCallHandler "voice-server/internal/voicecall/handler"
	voiceCallProcessor "voice-server/internal/voicecall/processor"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store  store.Store
	Logger *observability.Logger

	// Live call registry, the server drains it on shutdown
	Calls *registry.Registry

	// Handlers
	VoiceCallHandler voiceCallHandler.Handler
	AssistHandler    *assist.Handler

	// Middleware services
	RateLimiter *ratelimit.Service

	// Clients needing cleanup
	KafkaProducer *kafkaClient.Producer
	Redis         *redisClient.Client
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	// Initialize database store
	connectionString := cfg.Database.ConnectionString()
	var err error
	deps.Store, err = store.New(connectionString, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	mailClient, err := mail.NewResendClient(cfg.Services.ResendAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resend client: %w", err)
	}
	emailService := email.New(mailClient, cfg.Services.DefaultEmailSender, logger)

	// Redis backs the rate limiter, the client is nil when disabled
	deps.Redis, err = redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Kafka carries call events, the dispatcher is a no-op without it
	if cfg.Kafka.Enabled {
		deps.KafkaProducer = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
			Brokers: strings.Split(cfg.Kafka.Brokers, ","),
			Topic:   cfg.Kafka.Topic,
		}, logger)
	}
	eventDispatcher := events.NewDispatcher(deps.KafkaProducer, logger)

	// Register the support-desk tools shared by the voice agent and the
	// text assistant
	toolRegistry := tools.NewRegistry()
	supportService := support.New(&deps.Store, emailService, eventDispatcher, logger)
	for _, tool := range supportService.Tools() {
		if err := toolRegistry.Register(tool); err != nil {
			return nil, fmt.Errorf("failed to register support tool: %w", err)
		}
	}

	// The Gemini client holds a persistent SDK handle, only dial it when
	// the provider is selected
	var googleClient *googleai.Client
	if cfg.Agent.Provider == config.ProviderGemini {
		googleClient, err = googleai.NewClient(ctx, cfg.Agent.Gemini.APIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google AI client: %w", err)
		}
	}

	// Initialize the text assistant processor and handler
	oaiClient, err := openaiClient.NewClient(cfg.Services.OpenAIAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	assistProc := assist.New(oaiClient, cfg.Services.AssistModel, support.AgentInstructions, toolRegistry, logger)
	deps.AssistHandler = assist.NewHandler(assistProc, logger)

	deps.RateLimiter = ratelimit.NewService(deps.Redis, cfg.Voice.RateLimitPerMinute, logger)

	// Initialize the voice call processor and handler
	deps.Calls = registry.New(logger)
	voiceProc := voiceCallProcessor.New(voiceCallProcessor.Config{
		Agent:  cfg.Agent,
		Voice:  cfg.Voice,
		Store:  &deps.Store,
		Calls:  deps.Calls,
		Tools:  toolRegistry,
		Events: eventDispatcher,
		Google: googleClient,
		Logger: logger,
	})
	deps.VoiceCallHandler = voiceCallHandler.New(voiceProc, cfg, logger)

	return deps, nil
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	if d.KafkaProducer != nil {
		d.KafkaProducer.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error(context.Background(), "Failed to close Redis client", err)
		}
	}
	if err := d.Store.Close(); err != nil {
		d.Logger.Error(context.Background(), "Failed to close database", err)
	}
}
