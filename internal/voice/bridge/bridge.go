package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/session"
	"voice-server/internal/voice/tools"
	"voice-server/internal/voice/transport"

	"golang.org/x/sync/errgroup"
)

// Termination reasons recorded on the call when a bridge ends.
const (
	ReasonSetupFailed   = "setup_failed"
	ReasonCallerHangup  = "caller_hangup"
	ReasonTransportLost = "transport_lost"
	ReasonSessionError  = "session_error"
	ReasonDisconnected  = "disconnected"
	ReasonShutdown      = "server_shutdown"
)

// ErrTerminated is returned when an operation reaches a bridge that has
// already finished.
var ErrTerminated = errors.New("bridge terminated")

// State is the lifecycle position of a bridge.
type State int32

const (
	StateInitiated State = iota
	StateConnecting
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LifecycleEventType discriminates externally delivered call events, such
// as webhook status callbacks.
type LifecycleEventType int

const (
	LifecycleConnected LifecycleEventType = iota
	LifecycleDisconnected
)

// LifecycleEvent is an out-of-band call lifecycle notification routed to the
// bridge through the call registry.
type LifecycleEvent struct {
	Type   LifecycleEventType
	Reason string
}

// Stats is a point-in-time snapshot of bridge counters.
type Stats struct {
	FramesToAgent  uint64
	FramesToCaller uint64
	DroppedFrames  uint64
	Interruptions  uint64
	ToolCalls      uint64
}

// Config wires a bridge to its collaborators for one call.
type Config struct {
	CallID        string
	Transport     transport.Session
	Agent         session.AgentSession
	Codec         *audio.Codec
	Dispatcher    *tools.Dispatcher
	SessionConfig session.Config
	Logger        *observability.Logger

	// DrainGrace bounds how long draining may spend closing the two legs.
	DrainGrace time.Duration

	// OnStateChange observes every state transition. Optional.
	OnStateChange func(ctx context.Context, state State, reason string)

	// Unregister removes this call from the registry, invoked exactly once
	// after the bridge reaches Terminated.
	Unregister func()
}

type ctlKind int

const (
	ctlBargeIn ctlKind = iota
	ctlToolCall
	ctlDTMF
	ctlHangup
	ctlLost
	ctlSessionError
	ctlAgentClosed
	ctlTransportClosed
)

type ctlEvent struct {
	kind  ctlKind
	tool  tools.Request
	digit string
	err   error
}

// Bridge couples one transport session to one agent session and runs the
// bidirectional relay between them. One bridge per call.
type Bridge struct {
	cfg    Config
	logger *observability.Logger

	state  atomic.Int32
	mu     sync.Mutex
	reason string

	ctl       chan ctlEvent
	lifecycle chan LifecycleEvent

	playback playbackTracker

	framesToAgent  atomic.Uint64
	framesToCaller atomic.Uint64
	droppedFrames  atomic.Uint64
	interruptions  atomic.Uint64
	toolCalls      atomic.Uint64

	toolWG       sync.WaitGroup
	finishOnce   sync.Once
	done         chan struct{}
}

// New creates a bridge in the Initiated state. Run drives it to completion.
func New(cfg Config) *Bridge {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	return &Bridge{
		cfg:       cfg,
		logger:    cfg.Logger,
		ctl:       make(chan ctlEvent, 16),
		lifecycle: make(chan LifecycleEvent, 4),
		done:      make(chan struct{}),
	}
}

// CallID returns the identifier this bridge is registered under.
func (b *Bridge) CallID() string { return b.cfg.CallID }

// State reports the bridge's lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// TerminationReason returns the recorded reason once Terminated.
func (b *Bridge) TerminationReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesToAgent:  b.framesToAgent.Load(),
		FramesToCaller: b.framesToCaller.Load(),
		DroppedFrames:  b.droppedFrames.Load(),
		Interruptions:  b.interruptions.Load(),
		ToolCalls:      b.toolCalls.Load(),
	}
}

// Done is closed when the bridge reaches Terminated.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// HandleLifecycleEvent queues an out-of-band lifecycle notification. Events
// for terminated bridges return ErrTerminated.
func (b *Bridge) HandleLifecycleEvent(ctx context.Context, event LifecycleEvent) error {
	if b.State() == StateTerminated {
		return ErrTerminated
	}
	select {
	case b.lifecycle <- event:
		return nil
	default:
		return fmt.Errorf("lifecycle event queue full for call %s", b.cfg.CallID)
	}
}

// Run connects the agent leg and relays media until the call ends. It
// blocks for the whole call and always leaves the bridge Terminated.
func (b *Bridge) Run(ctx context.Context) error {
	ctx = observability.WithCallID(ctx, b.cfg.CallID)

	b.setState(ctx, StateConnecting, "")
	if err := b.cfg.Agent.Start(ctx, b.cfg.SessionConfig); err != nil {
		b.logger.Error(ctx, "Agent session start failed", err)
		b.finish(ctx, ReasonSetupFailed)
		return fmt.Errorf("agent session start: %w", err)
	}
	b.setState(ctx, StateActive, "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		b.relayCallerToAgent(gctx)
		return nil
	})
	g.Go(func() error {
		b.relayAgentToCaller(gctx)
		return nil
	})

	reason := b.superviseEvents(gctx)
	cancel()
	_ = g.Wait()

	b.finish(ctx, reason)
	return nil
}

// superviseEvents applies call policy: barge-in, tool dispatch, DTMF and
// the decision of when and why the call ends.
func (b *Bridge) superviseEvents(ctx context.Context) string {
	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case ev := <-b.ctl:
			switch ev.kind {
			case ctlBargeIn:
				b.handleBargeIn(ctx)
			case ctlToolCall:
				b.launchTool(ctx, ev.tool)
			case ctlDTMF:
				b.logger.Info(observability.WithFields(ctx,
					observability.Field{Key: "digit", Value: ev.digit}), "DTMF digit received")
			case ctlHangup:
				b.logger.Info(ctx, "Caller hung up")
				return ReasonCallerHangup
			case ctlLost, ctlTransportClosed:
				b.logger.InfoWithError(ctx, "Transport connection lost", ev.err)
				return ReasonTransportLost
			case ctlSessionError, ctlAgentClosed:
				b.logger.InfoWithError(ctx, "Agent session ended the call", ev.err)
				return ReasonSessionError
			}
		case lev := <-b.lifecycle:
			switch lev.Type {
			case LifecycleConnected:
				b.logger.Info(ctx, "Call connected notification received")
			case LifecycleDisconnected:
				reason := lev.Reason
				if reason == "" {
					reason = ReasonDisconnected
				}
				b.logger.Info(observability.WithFields(ctx,
					observability.Field{Key: "reason", Value: reason}), "Call disconnected notification received")
				return reason
			}
		}
	}
}

// relayCallerToAgent forwards caller audio into the agent session and turns
// terminal transport events into control signals.
func (b *Bridge) relayCallerToAgent(ctx context.Context) {
	events := b.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				b.signal(ctx, ctlEvent{kind: ctlTransportClosed})
				return
			}
			switch ev.Type {
			case transport.EventAudio:
				frame, err := b.cfg.Codec.ToAgent(ev.Audio)
				if err != nil {
					b.logger.Error(ctx, "Failed to convert caller frame", err)
					b.droppedFrames.Add(1)
					continue
				}
				if err := b.cfg.Agent.SendAudio(frame); err != nil {
					b.logger.WarnWithError(ctx, "Dropping caller frame", err)
					b.droppedFrames.Add(1)
					continue
				}
				b.framesToAgent.Add(1)
			case transport.EventDTMF:
				b.signal(ctx, ctlEvent{kind: ctlDTMF, digit: ev.Digit})
			case transport.EventHangup:
				b.signal(ctx, ctlEvent{kind: ctlHangup})
				return
			case transport.EventLost:
				b.signal(ctx, ctlEvent{kind: ctlLost, err: ev.Err})
				return
			}
		}
	}
}

// relayAgentToCaller forwards agent audio to the transport and routes
// non-audio agent events to the supervisor.
func (b *Bridge) relayAgentToCaller(ctx context.Context) {
	events := b.cfg.Agent.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				b.signal(ctx, ctlEvent{kind: ctlAgentClosed})
				return
			}
			switch ev.Type {
			case session.EventAudioDelta:
				b.playback.add(ev.Audio.Duration())
				frame, err := b.cfg.Codec.ToCaller(ev.Audio)
				if err != nil {
					b.logger.Error(ctx, "Failed to convert agent frame", err)
					b.droppedFrames.Add(1)
					continue
				}
				if err := b.cfg.Transport.SendAudio(frame); err != nil {
					b.logger.WarnWithError(ctx, "Dropping agent frame", err)
					b.droppedFrames.Add(1)
					continue
				}
				b.framesToCaller.Add(1)
			case session.EventSpeechStarted:
				b.signal(ctx, ctlEvent{kind: ctlBargeIn})
			case session.EventSpeechStopped:
				b.logger.Debug(ctx, "Caller speech stopped")
			case session.EventToolCall:
				b.toolCalls.Add(1)
				b.signal(ctx, ctlEvent{kind: ctlToolCall, tool: ev.Tool})
			case session.EventResponseCompleted:
				b.playback.reset()
			case session.EventTranscript:
				b.forwardTranscript(ctx, ev.Transcript)
			case session.EventError:
				b.signal(ctx, ctlEvent{kind: ctlSessionError, err: ev.Err})
				return
			}
		}
	}
}

// handleBargeIn discards queued agent audio on both legs and tells the
// agent how much of the response was already played.
func (b *Bridge) handleBargeIn(ctx context.Context) {
	b.interruptions.Add(1)
	played := b.playback.take()

	if err := b.cfg.Transport.InterruptPlayback(ctx); err != nil {
		b.logger.WarnWithError(ctx, "Failed to clear transport playback", err)
	}
	if err := b.cfg.Agent.Interrupt(ctx, played); err != nil {
		b.logger.WarnWithError(ctx, "Failed to interrupt agent response", err)
	}

	b.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "played_ms", Value: played.Milliseconds()}),
		"Barge-in, queued agent audio discarded")
}

// launchTool dispatches a tool request off the audio path and submits the
// result back to the agent session.
func (b *Bridge) launchTool(ctx context.Context, req tools.Request) {
	b.toolWG.Add(1)
	go func() {
		defer b.toolWG.Done()
		res := b.cfg.Dispatcher.Dispatch(ctx, req)
		if errors.Is(res.Err, context.Canceled) && ctx.Err() != nil {
			// The call is draining, the result has nowhere to go.
			return
		}
		if err := b.cfg.Agent.SubmitToolResult(ctx, res); err != nil {
			b.logger.Error(ctx, "Failed to submit tool result", err)
		}
	}()
}

func (b *Bridge) forwardTranscript(ctx context.Context, tr session.Transcript) {
	b.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "role", Value: tr.Role},
		observability.Field{Key: "text", Value: tr.Text}), "Transcript")

	if sender, ok := b.cfg.Transport.(transport.TranscriptSender); ok {
		if err := sender.SendTranscript(ctx, tr.Role, tr.Text); err != nil {
			b.logger.Debug(ctx, "Transcript forward to caller endpoint failed")
		}
	}
}

// finish drains both legs and moves the bridge to Terminated. Runs once.
func (b *Bridge) finish(ctx context.Context, reason string) {
	b.finishOnce.Do(func() {
		b.setState(ctx, StateDraining, reason)

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DrainGrace)
		defer cancel()

		b.cfg.Dispatcher.CancelOutstanding()
		b.toolWG.Wait()

		if err := b.cfg.Agent.Close(closeCtx); err != nil {
			b.logger.WarnWithError(ctx, "Agent session close failed", err)
		}
		if err := b.cfg.Transport.Hangup(closeCtx, reason); err != nil {
			b.logger.WarnWithError(ctx, "Transport hangup failed", err)
		}

		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()

		b.setState(ctx, StateTerminated, reason)
		if b.cfg.Unregister != nil {
			b.cfg.Unregister()
		}
		close(b.done)

		stats := b.Stats()
		b.logger.Metrics(ctx,
			observability.MetricField{Key: "call_id", Value: b.cfg.CallID},
			observability.MetricField{Key: "reason", Value: reason},
			observability.MetricField{Key: "frames_to_agent", Value: stats.FramesToAgent},
			observability.MetricField{Key: "frames_to_caller", Value: stats.FramesToCaller},
			observability.MetricField{Key: "dropped_frames", Value: stats.DroppedFrames},
			observability.MetricField{Key: "interruptions", Value: stats.Interruptions},
			observability.MetricField{Key: "tool_calls", Value: stats.ToolCalls},
		)
	})
}

func (b *Bridge) setState(ctx context.Context, state State, reason string) {
	b.state.Store(int32(state))
	fields := []observability.Field{{Key: "bridge_state", Value: state.String()}}
	if reason != "" {
		fields = append(fields, observability.Field{Key: "reason", Value: reason})
	}
	b.logger.Info(observability.WithFields(ctx, fields...), "Bridge state changed")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(ctx, state, reason)
	}
}

func (b *Bridge) signal(ctx context.Context, ev ctlEvent) {
	select {
	case b.ctl <- ev:
	case <-ctx.Done():
	}
}

// playbackTracker approximates how much of the current agent response has
// been sent for playback, reset at each response boundary.
type playbackTracker struct {
	mu      sync.Mutex
	seconds float64
}

func (p *playbackTracker) add(seconds float64) {
	p.mu.Lock()
	p.seconds += seconds
	p.mu.Unlock()
}

func (p *playbackTracker) take() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := time.Duration(p.seconds * float64(time.Second))
	p.seconds = 0
	return d
}

func (p *playbackTracker) reset() {
	p.mu.Lock()
	p.seconds = 0
	p.mu.Unlock()
}
