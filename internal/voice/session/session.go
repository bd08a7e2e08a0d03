package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/tools"
)

var (
	// ErrSetup is wrapped by Start failures. Setup failures are fatal for
	// the call, there is no mid-call retry.
	ErrSetup = errors.New("agent session setup failed")

	// ErrUnknownRequestID is returned by SubmitToolResult when the request
	// id does not match an outstanding tool call.
	ErrUnknownRequestID = errors.New("unknown tool request id")

	// ErrInvalidState is returned when an operation is attempted in a state
	// that does not permit it.
	ErrInvalidState = errors.New("invalid session state")
)

// State is the lifecycle position of an agent session.
type State int32

const (
	StateConnecting State = iota
	StateConfigured
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker is a small atomic state holder shared by session implementations.
type Tracker struct {
	state atomic.Int32
}

// Set unconditionally moves to the given state.
func (t *Tracker) Set(s State) {
	t.state.Store(int32(s))
}

// Get returns the current state.
func (t *Tracker) Get() State {
	return State(t.state.Load())
}

// Transition moves to the target state only from one of the allowed states
// and reports whether the move happened.
func (t *Tracker) Transition(to State, from ...State) bool {
	for _, f := range from {
		if t.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

// VoiceConfig selects the synthesized voice of the agent.
type VoiceConfig struct {
	Name        string
	Temperature float64
}

// Config is the session configuration sent during Start. It is provider
// independent, each implementation maps it onto its own wire format.
type Config struct {
	Instructions string
	Voice        VoiceConfig
	Tools        []tools.Definition
	Greeting     bool
}

// EventType discriminates agent session events.
type EventType int

const (
	EventAudioDelta EventType = iota
	EventSpeechStarted
	EventSpeechStopped
	EventToolCall
	EventResponseCompleted
	EventTranscript
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventAudioDelta:
		return "audio_delta"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventToolCall:
		return "tool_call"
	case EventResponseCompleted:
		return "response_completed"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript is recognized text for one side of the conversation.
type Transcript struct {
	Role string
	Text string
}

// Event is one item from the agent's ordered event stream. Exactly the
// fields relevant to Type are populated. After an EventError the stream is
// closed and the session is terminal.
type Event struct {
	Type       EventType
	Audio      audio.Frame
	Tool       tools.Request
	Transcript Transcript
	Err        error
}

// AgentSession is a live connection to a speech-to-speech provider.
//
// The lifecycle is Connecting, Configured, Streaming, Closing, Closed, with
// Failed reachable from any non-terminal state. Events returns a channel
// that is closed once the session reaches a terminal state, after any final
// EventError has been delivered.
type AgentSession interface {
	// Start dials the provider and applies the session configuration.
	// Failures wrap ErrSetup.
	Start(ctx context.Context, cfg Config) error

	// SendAudio queues one caller frame for delivery. It never blocks on a
	// slow provider, overflow evicts the oldest queued frame.
	SendAudio(frame audio.Frame) error

	// Events exposes the session's ordered event stream.
	Events() <-chan Event

	// SubmitToolResult returns a tool outcome to the provider so the agent
	// can speak it. Unknown request ids return ErrUnknownRequestID.
	SubmitToolResult(ctx context.Context, result tools.Result) error

	// Interrupt tells the provider how much of the current response was
	// played before the caller barged in, and cancels the rest.
	Interrupt(ctx context.Context, played time.Duration) error

	// Close ends the session gracefully within the context deadline.
	Close(ctx context.Context) error

	// State reports the current lifecycle state.
	State() State

	// InputFormat is the audio format the session expects from the caller.
	InputFormat() audio.Format

	// OutputFormat is the audio format of the session's audio deltas.
	OutputFormat() audio.Format
}

// RawArguments normalizes provider tool arguments to JSON for dispatch.
func RawArguments(args map[string]any) json.RawMessage {
	if args == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
