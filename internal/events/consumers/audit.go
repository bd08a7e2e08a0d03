package consumers

import (
	"context"
	"fmt"
	"sync"

	"voice-server/internal/clients/kafka"
	"voice-server/internal/events"
	"voice-server/internal/observability"
)

// AuditConsumer tails the call event stream and writes one structured audit
// line per event. It is the reference downstream consumer for the topic and
// doubles as the ops view of call activity when log search is all you have.
type AuditConsumer struct {
	kafkaConsumer *kafka.Consumer
	logger        *observability.Logger
	workerCount   int
}

// NewAuditConsumer creates a new AuditConsumer
func NewAuditConsumer(kafkaConsumer *kafka.Consumer, logger *observability.Logger, workerCount int) *AuditConsumer {
	if workerCount == 0 {
		workerCount = 4 // Default to 4 workers
	}

	return &AuditConsumer{
		kafkaConsumer: kafkaConsumer,
		logger:        logger,
		workerCount:   workerCount,
	}
}

// Start starts consuming events from Kafka with multiple workers
func (c *AuditConsumer) Start(ctx context.Context) error {
	c.logger.Info(ctx, fmt.Sprintf("Starting audit consumer with %d workers", c.workerCount))

	// Create a channel for events
	eventChan := make(chan kafka.EventMessage, 100)
	errorChan := make(chan error, 1)

	// Start consumer in a goroutine
	go func() {
		err := c.kafkaConsumer.ConsumeEvents(ctx, func(msgCtx context.Context, event kafka.EventMessage) error {
			// Send event to worker pool
			select {
			case eventChan <- event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errorChan <- err
		}
		close(eventChan)
	}()

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < c.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.worker(ctx, workerID, eventChan)
		}(i)
	}

	// Wait for completion or error
	go func() {
		wg.Wait()
		close(errorChan)
	}()

	select {
	case err := <-errorChan:
		if err != nil {
			c.logger.Error(ctx, "consumer error", err)
			return err
		}
	case <-ctx.Done():
		c.logger.Info(ctx, "Consumer context cancelled")
		return ctx.Err()
	}

	return nil
}

// worker processes events from the event channel
func (c *AuditConsumer) worker(ctx context.Context, workerID int, eventChan <-chan kafka.EventMessage) {
	workerCtx := observability.WithFields(ctx, observability.Field{Key: "worker_id", Value: workerID})
	c.logger.Info(workerCtx, fmt.Sprintf("Audit worker %d started", workerID))

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				c.logger.Info(workerCtx, fmt.Sprintf("Audit worker %d stopping - channel closed", workerID))
				return
			}

			c.record(workerCtx, event)

		case <-ctx.Done():
			c.logger.Info(workerCtx, fmt.Sprintf("Audit worker %d stopping - context cancelled", workerID))
			return
		}
	}
}

// record writes the audit line for one event. The payload fields the
// dispatcher put on the event become log fields as they are.
func (c *AuditConsumer) record(ctx context.Context, event kafka.EventMessage) {
	ctx = observability.WithCallID(ctx, event.CallID)
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event_id", Value: event.ID},
		observability.Field{Key: "event_timestamp", Value: event.Timestamp},
	)
	for key, value := range event.Data {
		ctx = observability.WithFields(ctx, observability.Field{Key: key, Value: value})
	}

	switch event.Type {
	case events.TypeCallStarted:
		c.logger.Info(ctx, "Call started")
	case events.TypeCallAnswered:
		c.logger.Info(ctx, "Call answered")
	case events.TypeCallEnded:
		c.logger.Info(ctx, "Call ended")
	case events.TypeToolExecuted:
		if succeeded, ok := event.Data["succeeded"].(bool); ok && !succeeded {
			c.logger.Warn(ctx, "Tool execution failed")
			return
		}
		c.logger.Info(ctx, "Tool executed")
	case events.TypeCaseCreated:
		c.logger.Info(ctx, "Support case created")
	default:
		c.logger.Debug(ctx, fmt.Sprintf("Unrecognized event type %s", event.Type))
	}
}
