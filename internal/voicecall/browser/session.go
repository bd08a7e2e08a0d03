package browser

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultQueueSize     = 64
	defaultAcceptTimeout = 10 * time.Second
)

// Config tunes one browser media session.
type Config struct {
	QueueSize     int
	AcceptTimeout time.Duration
	Logger        *observability.Logger
}

// Session is one browser WebSocket connection implementing transport.Session
// and transport.TranscriptSender. The call id is assigned locally because the
// browser has no upstream call identifier.
type Session struct {
	conn   *websocket.Conn
	logger *observability.Logger

	writeMutex sync.Mutex

	state  transport.Tracker
	events chan transport.Event
	outq   *audio.FrameQueue

	callID string

	acceptTimeout time.Duration
	recvSeq       atomic.Uint64
	accepted      atomic.Bool
	hangingUp     atomic.Bool
	closeOnce     sync.Once
	eventsOnce    sync.Once
	wg            sync.WaitGroup
}

// NewSession wraps an upgraded WebSocket connection. Accept completes the
// start handshake.
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
		callID:        uuid.NewString(),
		acceptTimeout: cfg.AcceptTimeout,
	}
}

// Accept waits for the client's start message and acknowledges it with the
// assigned call id.
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

	messageType, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("browser handshake: %w", err)
	}
	if messageType != websocket.TextMessage {
		return fmt.Errorf("browser handshake: expected a start message, got a binary frame")
	}
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("browser handshake: %w", err)
	}
	if msg.Type != typeStart {
		return fmt.Errorf("unexpected handshake message %q", msg.Type)
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	if err := s.writeControl(controlMessage{Type: typeStart, CallID: s.callID}); err != nil {
		return fmt.Errorf("acknowledge start: %w", err)
	}

	s.state.Set(transport.StateActive)
	s.logger.Info(ctx, "Browser media session started")

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

// SendAudio queues one agent frame for playback in the browser. Never blocks;
// overflow evicts the oldest queued frame.
func (s *Session) SendAudio(frame audio.Frame) error {
	if s.state.Get() != transport.StateActive {
		return fmt.Errorf("send audio: %w", transport.ErrNotActive)
	}
	if evicted := s.outq.Push(frame); evicted {
		s.logger.Warn(context.Background(), "Browser playback queue full, dropped oldest frame")
	}
	return nil
}

func (s *Session) Events() <-chan transport.Event { return s.events }

// InterruptPlayback drops queued agent audio and tells the client to flush
// its playback buffer.
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
	return s.writeControl(controlMessage{Type: typeClear})
}

// SendTranscript forwards one finished transcript line to the client.
func (s *Session) SendTranscript(ctx context.Context, role, text string) error {
	if s.state.Get() != transport.StateActive {
		return fmt.Errorf("send transcript: %w", transport.ErrNotActive)
	}
	return s.writeControl(controlMessage{Type: typeTranscript, Role: role, Text: text})
}

// Hangup ends the session. Idempotent, valid from any state.
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
		), "Browser media session closed")
	})
	return nil
}

func (s *Session) State() transport.State { return s.state.Get() }

// CallID returns the locally assigned call identifier.
func (s *Session) CallID() string { return s.callID }

func (s *Session) Format() audio.Format { return audio.PCM16x16k }

func (s *Session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.hangingUp.Load() {
				return
			}
			s.state.Set(transport.StateEnded)
			s.outq.Close()
			s.emitTerminal(transport.Event{
				Type: transport.EventLost,
				Err:  fmt.Errorf("browser session read: %w", errors.Join(transport.ErrTransportLost, err)),
			})
			return
		}

		if messageType == websocket.BinaryMessage {
			if len(raw) == 0 {
				continue
			}
			s.emit(transport.Event{Type: transport.EventAudio, Audio: audio.Frame{
				Data:   raw,
				Format: audio.PCM16x16k,
				Seq:    s.recvSeq.Add(1),
				Source: audio.SourceCaller,
			}})
			continue
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.WarnWithError(ctx, "Failed to parse browser control message", err)
			continue
		}

		switch msg.Type {
		case typeDTMF:
			s.emit(transport.Event{Type: transport.EventDTMF, Digit: msg.Digit})
		case typeStop:
			s.state.Set(transport.StateEnded)
			s.outq.Close()
			s.emitTerminal(transport.Event{Type: transport.EventHangup})
			return
		default:
			s.logger.Debug(ctx, fmt.Sprintf("Unhandled browser control message %s", msg.Type))
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for frame := range s.outq.Frames() {
		s.writeMutex.Lock()
		err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data)
		s.writeMutex.Unlock()
		if err != nil {
			if s.hangingUp.Load() {
				return
			}
			// The read loop surfaces the lost connection.
			s.logger.WarnWithError(context.Background(), "Failed to send audio to the browser", err)
			return
		}
	}
}

func (s *Session) writeControl(msg controlMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
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
		s.logger.Warn(context.Background(), "Browser event dropped, consumer not keeping up")
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
