package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"voice-server/internal/voice/audio"
)

var (
	// ErrTransportLost is wrapped into the terminal event when the media
	// connection drops without a clean hangup.
	ErrTransportLost = errors.New("transport connection lost")

	// ErrNotActive is returned by operations that require an accepted,
	// still-connected session.
	ErrNotActive = errors.New("transport session not active")
)

// State is the lifecycle position of a transport session.
type State int32

const (
	StateRinging State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Tracker is a small atomic state holder shared by transport implementations.
type Tracker struct {
	state atomic.Int32
}

func (t *Tracker) Set(s State) {
	t.state.Store(int32(s))
}

func (t *Tracker) Get() State {
	return State(t.state.Load())
}

func (t *Tracker) Transition(to State, from ...State) bool {
	for _, f := range from {
		if t.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

// EventType discriminates transport session events.
type EventType int

const (
	EventAudio EventType = iota
	EventDTMF
	EventHangup
	EventLost
)

func (e EventType) String() string {
	switch e {
	case EventAudio:
		return "audio"
	case EventDTMF:
		return "dtmf"
	case EventHangup:
		return "hangup"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is one item from the caller-side event stream. EventHangup and
// EventLost are terminal, the channel closes after either.
type Event struct {
	Type  EventType
	Audio audio.Frame
	Digit string
	Err   error
}

// Session is a live media connection to a caller endpoint.
//
// The lifecycle is Ringing, Active, Ended. Accept consumes the endpoint's
// start handshake and moves the session to Active. Events is closed once
// the session reaches Ended.
type Session interface {
	// Accept completes the media handshake. After Accept returns, CallID
	// and Format are valid and Events is live.
	Accept(ctx context.Context) error

	// SendAudio queues one agent frame for playback. It never blocks on a
	// slow connection, overflow evicts the oldest queued frame.
	SendAudio(frame audio.Frame) error

	// Events exposes the caller-side event stream.
	Events() <-chan Event

	// InterruptPlayback discards all queued playback audio at the endpoint
	// and locally. Used when the caller barges in.
	InterruptPlayback(ctx context.Context) error

	// Hangup ends the call. Safe to call multiple times and after the
	// caller already hung up.
	Hangup(ctx context.Context, reason string) error

	// State reports the current lifecycle state.
	State() State

	// CallID is the transport-scoped call identifier, valid after Accept.
	CallID() string

	// Format is the audio format this transport produces and consumes.
	Format() audio.Format
}

// TranscriptSender is implemented by transports that can surface live
// transcripts to the caller endpoint, such as the browser client.
type TranscriptSender interface {
	SendTranscript(ctx context.Context, role, text string) error
}
