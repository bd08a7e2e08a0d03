package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-server/internal/clients/googleai"
	"voice-server/internal/clients/voicelive"
	"voice-server/internal/config"
	"voice-server/internal/events"
	"voice-server/internal/observability"
	"voice-server/internal/store"
	"voice-server/internal/support"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/bridge"
	"voice-server/internal/voice/registry"
	"voice-server/internal/voice/session"
	"voice-server/internal/voice/tools"
	"voice-server/internal/voice/transport"
)

// Transport kinds recorded on calls.
const (
	TransportTwilio  = "twilio"
	TransportBrowser = "browser"
)

// Config wires the processor to its collaborators.
type Config struct {
	Agent  config.AgentConfig
	Voice  config.VoiceConfig
	Store  *store.Store
	Calls  *registry.Registry
	Tools  *tools.Registry
	Events *events.Dispatcher
	Google *googleai.Client
	Logger *observability.Logger
}

// Processor owns call setup and teardown: it accepts the media transport,
// opens the matching agent session, assembles the per-call bridge and keeps
// the call registry and persistence in sync with the bridge lifecycle.
type Processor struct {
	cfg    Config
	logger *observability.Logger
}

func New(cfg Config) *Processor {
	return &Processor{cfg: cfg, logger: cfg.Logger}
}

// RunCall drives one call from media handshake to termination. It blocks for
// the whole call, the caller's WebSocket handler simply waits on it.
func (p *Processor) RunCall(ctx context.Context, t transport.Session, transportKind string) error {
	if err := t.Accept(ctx); err != nil {
		p.logger.Error(ctx, "Media handshake failed", err)
		_ = t.Hangup(ctx, bridge.ReasonSetupFailed)
		return fmt.Errorf("transport accept: %w", err)
	}

	callID := t.CallID()
	ctx = observability.WithCallID(ctx, callID)

	caller := ""
	call, err := p.cfg.Store.UpsertCall(ctx, store.UpsertCallParams{
		CallSID:   callID,
		Transport: transportKind,
		Provider:  p.cfg.Agent.Provider,
	})
	if err != nil {
		// The conversation matters more than its record.
		p.logger.Error(ctx, "Failed to persist call, continuing without a record", err)
	} else if call.Caller.Valid {
		caller = call.Caller.String
	}
	p.cfg.Events.CallStarted(ctx, callID, transportKind, p.cfg.Agent.Provider, caller)

	agent, err := p.newAgentSession()
	if err != nil {
		return p.failSetup(ctx, t, callID, fmt.Errorf("agent session: %w", err))
	}
	codec, err := audio.NewCodec(t.Format(), agent.InputFormat(), agent.OutputFormat())
	if err != nil {
		return p.failSetup(ctx, t, callID, fmt.Errorf("audio codec: %w", err))
	}

	dispatcher := tools.NewDispatcher(p.cfg.Tools, p.logger,
		tools.WithTimeout(p.cfg.Voice.ToolTimeout),
		tools.WithMaxConcurrent(p.cfg.Voice.MaxConcurrentTools),
		tools.WithObserver(func(ctx context.Context, req tools.Request, res tools.Result, elapsed time.Duration) {
			p.cfg.Events.ToolExecuted(ctx, callID, req.Name, res.Err == nil, elapsed)
		}),
	)

	br := bridge.New(bridge.Config{
		CallID:     callID,
		Transport:  t,
		Agent:      agent,
		Codec:      codec,
		Dispatcher: dispatcher,
		SessionConfig: session.Config{
			Instructions: support.AgentInstructions,
			Voice:        session.VoiceConfig{Name: p.voiceName()},
			Tools:        p.cfg.Tools.Definitions(),
			Greeting:     true,
		},
		Logger:        p.logger,
		DrainGrace:    p.cfg.Voice.DrainGrace,
		OnStateChange: p.trackCall(callID),
		Unregister:    func() { p.cfg.Calls.Remove(callID) },
	})

	if err := p.cfg.Calls.Register(callID, br); err != nil {
		// A second media stream for a live call must not tear down the
		// first one's record.
		p.logger.WarnWithError(ctx, "Refusing media stream", err)
		_ = t.Hangup(ctx, bridge.ReasonSetupFailed)
		return fmt.Errorf("register call: %w", err)
	}
	return br.Run(ctx)
}

// RegisterInboundCall records a call the moment the answer webhook fires so
// the caller's number is attached before the media stream arrives.
func (p *Processor) RegisterInboundCall(ctx context.Context, callSID, caller string) error {
	_, err := p.cfg.Store.UpsertCall(ctx, store.UpsertCallParams{
		CallSID:   callSID,
		Transport: TransportTwilio,
		Provider:  p.cfg.Agent.Provider,
		Caller:    caller,
	})
	if err != nil {
		return fmt.Errorf("record inbound call: %w", err)
	}
	return nil
}

// HandleStatusCallback translates a Twilio status callback into a lifecycle
// event for the owning bridge. Calls that never reached a bridge still get
// their row closed on terminal statuses.
func (p *Processor) HandleStatusCallback(ctx context.Context, callSID, status string) error {
	ctx = observability.WithCallID(ctx, callSID)
	p.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "call_status", Value: status}), "Status callback received")

	switch status {
	case "queued", "initiated", "ringing":
		err := p.cfg.Store.UpdateCallState(ctx, callSID, store.CallStateConnecting)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil

	case "in-progress", "answered":
		err := p.cfg.Calls.Deliver(ctx, callSID, bridge.LifecycleEvent{Type: bridge.LifecycleConnected})
		if errors.Is(err, registry.ErrCallNotFound) || errors.Is(err, bridge.ErrTerminated) {
			p.logger.Debug(ctx, "Status callback for a call with no live bridge")
			return nil
		}
		return err

	case "completed", "busy", "no-answer", "failed", "canceled":
		reason := statusReason(status)
		err := p.cfg.Calls.Deliver(ctx, callSID, bridge.LifecycleEvent{
			Type:   bridge.LifecycleDisconnected,
			Reason: reason,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrCallNotFound) && !errors.Is(err, bridge.ErrTerminated) {
			return err
		}
		// No live bridge, close the persisted row directly.
		if endErr := p.cfg.Store.EndCall(ctx, callSID, reason); endErr != nil && !errors.Is(endErr, store.ErrNotFound) {
			return endErr
		}
		return nil

	default:
		p.logger.Debug(ctx, fmt.Sprintf("Ignoring call status %s", status))
		return nil
	}
}

// ActiveCalls lists the calls currently registered in this process.
func (p *Processor) ActiveCalls() []registry.ActiveCall {
	return p.cfg.Calls.Snapshot()
}

// RecentCalls returns the newest persisted call rows.
func (p *Processor) RecentCalls(ctx context.Context, limit int) ([]store.Call, error) {
	return p.cfg.Store.ListRecentCalls(ctx, limit)
}

// newAgentSession builds an unstarted agent session for the configured
// provider. The bridge starts it.
func (p *Processor) newAgentSession() (session.AgentSession, error) {
	switch p.cfg.Agent.Provider {
	case config.ProviderVoiceLive:
		return voicelive.NewLiveSession(voicelive.Config{
			Endpoint:  p.cfg.Agent.VoiceLive.Endpoint,
			APIKey:    p.cfg.Agent.VoiceLive.APIKey,
			Model:     p.cfg.Agent.VoiceLive.Model,
			Voice:     p.cfg.Agent.VoiceLive.Voice,
			QueueSize: p.cfg.Voice.FrameBuffer,
			Logger:    p.logger,
		}), nil
	case config.ProviderGemini:
		if p.cfg.Google == nil {
			return nil, errors.New("gemini provider selected without a configured client")
		}
		return p.cfg.Google.NewLiveSession(
			p.cfg.Agent.Gemini.Model, p.cfg.Agent.Gemini.Voice, p.cfg.Voice.FrameBuffer), nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", p.cfg.Agent.Provider)
	}
}

func (p *Processor) voiceName() string {
	if p.cfg.Agent.Provider == config.ProviderGemini {
		return p.cfg.Agent.Gemini.Voice
	}
	return p.cfg.Agent.VoiceLive.Voice
}

// trackCall mirrors bridge state transitions into the calls table and the
// event stream.
func (p *Processor) trackCall(callID string) func(ctx context.Context, state bridge.State, reason string) {
	return func(ctx context.Context, state bridge.State, reason string) {
		switch state {
		case bridge.StateActive:
			if err := p.cfg.Store.MarkCallAnswered(ctx, callID); err != nil && !errors.Is(err, store.ErrNotFound) {
				p.logger.WarnWithError(ctx, "Failed to record call answered", err)
			}
			p.cfg.Events.CallAnswered(ctx, callID)
		case bridge.StateTerminated:
			// Termination may arrive on an already canceled context.
			endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.cfg.Store.EndCall(endCtx, callID, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
				p.logger.WarnWithError(endCtx, "Failed to record call end", err)
			}
			p.cfg.Events.CallEnded(endCtx, callID, reason)
		}
	}
}

// failSetup tears down a call that broke between transport accept and bridge
// start, closing both the transport and the persisted record.
func (p *Processor) failSetup(ctx context.Context, t transport.Session, callID string, err error) error {
	p.logger.Error(ctx, "Call setup failed", err)
	_ = t.Hangup(ctx, bridge.ReasonSetupFailed)
	if endErr := p.cfg.Store.EndCall(ctx, callID, bridge.ReasonSetupFailed); endErr != nil && !errors.Is(endErr, store.ErrNotFound) {
		p.logger.WarnWithError(ctx, "Failed to record failed call", endErr)
	}
	p.cfg.Events.CallEnded(ctx, callID, bridge.ReasonSetupFailed)
	return err
}

// statusReason maps terminal Twilio statuses onto termination reasons.
func statusReason(status string) string {
	if status == "completed" {
		return bridge.ReasonDisconnected
	}
	return status
}
