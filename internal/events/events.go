package events

import (
	"context"
	"time"

	"voice-server/internal/clients/kafka"
	"voice-server/internal/observability"

	"github.com/google/uuid"
)

// Call event types published to the stream.
const (
	TypeCallStarted  = "call.started"
	TypeCallAnswered = "call.answered"
	TypeCallEnded    = "call.ended"
	TypeToolExecuted = "tool.executed"
	TypeCaseCreated  = "case.created"
)

const publishTimeout = 3 * time.Second

// Dispatcher publishes call events to the optional event stream. With a nil
// producer every publish is a no-op, so callers never need to know whether
// the stream is deployed.
type Dispatcher struct {
	producer *kafka.Producer
	logger   *observability.Logger
}

func NewDispatcher(producer *kafka.Producer, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{producer: producer, logger: logger}
}

// CallStarted records that a call row was created and a bridge is being set up.
func (d *Dispatcher) CallStarted(ctx context.Context, callID, transportKind, provider, caller string) {
	d.publish(ctx, TypeCallStarted, callID, map[string]interface{}{
		"transport": transportKind,
		"provider":  provider,
		"caller":    caller,
	})
}

// CallAnswered records that media is flowing and the agent leg is live.
func (d *Dispatcher) CallAnswered(ctx context.Context, callID string) {
	d.publish(ctx, TypeCallAnswered, callID, nil)
}

// CallEnded records call termination with its reason.
func (d *Dispatcher) CallEnded(ctx context.Context, callID, reason string) {
	d.publish(ctx, TypeCallEnded, callID, map[string]interface{}{
		"reason": reason,
	})
}

// ToolExecuted records one tool dispatch and its outcome.
func (d *Dispatcher) ToolExecuted(ctx context.Context, callID, tool string, succeeded bool, elapsed time.Duration) {
	d.publish(ctx, TypeToolExecuted, callID, map[string]interface{}{
		"tool":       tool,
		"succeeded":  succeeded,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// CaseCreated records that a support case was opened during a call.
func (d *Dispatcher) CaseCreated(ctx context.Context, caseID, clientID string) {
	d.publish(ctx, TypeCaseCreated, observability.CallIDFromContext(ctx), map[string]interface{}{
		"case_id":   caseID,
		"client_id": clientID,
	})
}

// publish writes the event off the caller's goroutine. Event publishing is
// best effort, a broker outage must never stall a live call.
func (d *Dispatcher) publish(ctx context.Context, eventType, callID string, data map[string]interface{}) {
	if d == nil || d.producer == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	event := kafka.EventMessage{
		ID:        uuid.NewString(),
		Type:      eventType,
		CallID:    callID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	go func() {
		defer cancel()
		if err := d.producer.PublishEvent(publishCtx, event); err != nil {
			d.logger.WarnWithError(publishCtx, "Failed to publish call event", err)
		}
	}()
}
