package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"voice-server/internal/clients/kafka"
	"voice-server/internal/events/consumers"
	"voice-server/internal/observability"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			log.Printf("Warning: env.local file not found: %v", err)
		}
	}

	// Initialize logger
	logger := observability.NewLogger()
	ctx := context.Background()

	logger.Info(ctx, "Starting call event audit worker...")

	// Get configuration from environment
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = "localhost:9092"
	}
	brokers := strings.Split(kafkaBrokers, ",")

	kafkaTopic := os.Getenv("KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "call-events"
	}

	kafkaConsumerGroup := os.Getenv("KAFKA_CONSUMER_GROUP")
	if kafkaConsumerGroup == "" {
		kafkaConsumerGroup = "call-audit"
	}

	// Worker pool size
	workerCountStr := os.Getenv("KAFKA_WORKER_POOL_SIZE")
	workerCount := 4 // default
	if workerCountStr != "" {
		if parsed, err := strconv.Atoi(workerCountStr); err == nil && parsed > 0 {
			workerCount = parsed
		}
	}

	// Initialize Kafka consumer
	kafkaConsumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafkaTopic,
		GroupID: kafkaConsumerGroup,
	}, logger)
	defer kafkaConsumer.Close()

	auditConsumer := consumers.NewAuditConsumer(kafkaConsumer, logger, workerCount)

	logger.Info(ctx, fmt.Sprintf(`Call event audit worker configuration:
  - Workers: %d
  - Kafka brokers: %v
  - Kafka topic: %s
  - Consumer group: %s`,
		workerCount, brokers, kafkaTopic, kafkaConsumerGroup))

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := auditConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "Audit consumer error", err)
			cancel()
		}
	}()

	// Wait for a shutdown signal or a consumer failure
	select {
	case <-sigChan:
		logger.Info(ctx, "Received shutdown signal, stopping workers...")
		cancel()
	case <-ctx.Done():
	}

	logger.Info(ctx, "Call event audit worker stopped")
}
