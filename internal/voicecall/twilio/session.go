package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/transport"

	"github.com/gorilla/websocket"
)

const (
	defaultQueueSize     = 64
	defaultAcceptTimeout = 10 * time.Second
)

// Config tunes one media stream session.
type Config struct {
	QueueSize     int
	AcceptTimeout time.Duration
	Logger        *observability.Logger
}

// Session is one Twilio Media Streams connection implementing
// transport.Session. Audio in both directions is base64 mu-law at 8kHz.
type Session struct {
	conn   *websocket.Conn
	logger *observability.Logger

	writeMutex sync.Mutex

	state  transport.Tracker
	events chan transport.Event
	outq   *audio.FrameQueue

	callSID   string
	streamSid string

	acceptTimeout time.Duration
	recvSeq       atomic.Uint64
	silentSkipped atomic.Uint64
	accepted      atomic.Bool
	hangingUp     atomic.Bool
	closeOnce     sync.Once
	eventsOnce    sync.Once
	wg            sync.WaitGroup
}

// NewSession wraps an upgraded WebSocket connection. Accept completes the
// stream handshake.
func NewSession(conn *websocket.Conn, cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	return &Session{
		conn:          conn,
		logger:        cfg.Logger,
		events:        make(chan transport.Event, 64),
		outq:          audio.NewFrameQueue(cfg.QueueSize),
		acceptTimeout: cfg.AcceptTimeout,
	}
}

// Accept consumes the connected and start messages. The call SID arrives in
// the start message, so CallID is only valid afterwards.
func (s *Session) Accept(ctx context.Context) error {
	if s.state.Get() != transport.StateRinging {
		return fmt.Errorf("accept in state %s: %w", s.state.Get(), transport.ErrNotActive)
	}

	deadline := time.Now().Add(s.acceptTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	for {
		var msg streamMessage
		if err := s.readMessage(&msg); err != nil {
			return fmt.Errorf("media stream handshake: %w", err)
		}

		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil || msg.Start.CallSid == "" {
				return fmt.Errorf("start message missing call SID")
			}
			s.callSID = msg.Start.CallSid
			s.streamSid = msg.Start.StreamSid
			if s.streamSid == "" {
				s.streamSid = msg.StreamSid
			}
			if enc := msg.Start.MediaFormat.Encoding; enc != "" && enc != "audio/x-mulaw" {
				s.logger.Warn(observability.WithFields(ctx,
					observability.Field{Key: "encoding", Value: enc},
				), "Unexpected media stream encoding, continuing as mu-law")
			}
		default:
			return fmt.Errorf("unexpected handshake message %q", msg.Event)
		}
		break
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	s.state.Set(transport.StateActive)
	s.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "stream_sid", Value: s.streamSid},
	), "Media stream started")

	s.accepted.Store(true)
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		s.eventsOnce.Do(func() { close(s.events) })
	}()
	return nil
}

// SendAudio queues one agent frame for playback on the call. Never blocks;
// overflow evicts the oldest queued frame.
func (s *Session) SendAudio(frame audio.Frame) error {
	if s.state.Get() != transport.StateActive {
		return fmt.Errorf("send audio: %w", transport.ErrNotActive)
	}
	if evicted := s.outq.Push(frame); evicted {
		s.logger.Warn(context.Background(), "Twilio playback queue full, dropped oldest frame")
	}
	return nil
}

func (s *Session) Events() <-chan transport.Event { return s.events }

// InterruptPlayback drops everything queued locally and tells Twilio to
// discard its buffered audio.
func (s *Session) InterruptPlayback(ctx context.Context) error {
	if s.state.Get() != transport.StateActive {
		return fmt.Errorf("interrupt playback: %w", transport.ErrNotActive)
	}
	discarded := s.outq.Drain()
	if discarded > 0 {
		s.logger.Debug(observability.WithFields(ctx,
			observability.Field{Key: "discarded_frames", Value: discarded},
		), "Discarded queued playback audio")
	}
	return s.writeJSON(streamMessage{Event: eventClear, StreamSid: s.streamSid})
}

// Hangup ends the stream. Idempotent, valid from any state.
func (s *Session) Hangup(ctx context.Context, reason string) error {
	s.closeOnce.Do(func() {
		s.hangingUp.Store(true)
		s.state.Set(transport.StateEnded)
		s.outq.Close()

		s.writeMutex.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		s.writeMutex.Unlock()
		s.conn.Close()

		// When Accept never ran there are no loops to close the stream.
		if !s.accepted.Load() {
			s.eventsOnce.Do(func() { close(s.events) })
		}

		s.logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "reason", Value: reason},
			observability.Field{Key: "silent_frames_skipped", Value: s.silentSkipped.Load()},
		), "Twilio media stream closed")
	})
	return nil
}

func (s *Session) State() transport.State { return s.state.Get() }

// CallID returns the Twilio call SID, valid after Accept.
func (s *Session) CallID() string { return s.callSID }

func (s *Session) Format() audio.Format { return audio.ULaw8k }

func (s *Session) readMessage(msg *streamMessage) error {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("failed to parse stream message: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		var msg streamMessage
		if err := s.readMessage(&msg); err != nil {
			if s.hangingUp.Load() {
				return
			}
			s.state.Set(transport.StateEnded)
			s.outq.Close()
			s.emitTerminal(transport.Event{
				Type: transport.EventLost,
				Err:  fmt.Errorf("media stream read: %w", errors.Join(transport.ErrTransportLost, err)),
			})
			return
		}

		switch msg.Event {
		case eventMedia:
			if msg.Media == nil {
				continue
			}
			payload, err := audio.Base64ToBytes(msg.Media.Payload)
			if err != nil {
				s.logger.Error(ctx, "Failed to decode media payload", err)
				continue
			}
			if isSilent(payload) {
				s.silentSkipped.Add(1)
				continue
			}
			s.emit(transport.Event{Type: transport.EventAudio, Audio: audio.Frame{
				Data:   payload,
				Format: audio.ULaw8k,
				Seq:    s.recvSeq.Add(1),
				Source: audio.SourceCaller,
			}})

		case eventDTMF:
			if msg.DTMF == nil {
				continue
			}
			s.emit(transport.Event{Type: transport.EventDTMF, Digit: msg.DTMF.Digit})

		case eventStop:
			s.state.Set(transport.StateEnded)
			s.outq.Close()
			s.emitTerminal(transport.Event{Type: transport.EventHangup})
			return

		case eventMark:
			// Mark acks arrive after a clear, nothing to do.

		default:
			s.logger.Debug(ctx, fmt.Sprintf("Unhandled stream message %s", msg.Event))
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for frame := range s.outq.Frames() {
		msg := streamMessage{
			Event:     eventMedia,
			StreamSid: s.streamSid,
			Media:     &mediaPayload{Payload: audio.BytesToBase64(frame.Data)},
		}
		if err := s.writeJSON(msg); err != nil {
			if s.hangingUp.Load() {
				return
			}
			// The read loop surfaces the lost connection.
			s.logger.WarnWithError(context.Background(), "Failed to send audio to Twilio", err)
			return
		}
	}
}

func (s *Session) writeJSON(msg streamMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal stream message: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// emit delivers a droppable event without blocking the read loop.
func (s *Session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn(context.Background(), "Caller event dropped, consumer not keeping up")
	}
}

// emitTerminal delivers a terminal event, evicting the oldest queued event
// if needed. The read loop is the only writer so this cannot block.
func (s *Session) emitTerminal(ev transport.Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// isSilent reports whether a mu-law payload carries only silence. 0xFF is
// the mu-law code for zero amplitude, 0x7F its negative counterpart.
func isSilent(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	for _, b := range payload {
		if b != 0xFF && b != 0x7F {
			return false
		}
	}
	return true
}
