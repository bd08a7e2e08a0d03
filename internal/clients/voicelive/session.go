package voicelive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/session"
	"voice-server/internal/voice/tools"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	apiVersion       = "2025-05-01-preview"
	defaultQueueSize = 64
)

// Config carries the connection parameters for the Voice Live endpoint.
type Config struct {
	Endpoint  string
	APIKey    string
	Model     string
	Voice     string
	QueueSize int
	Logger    *observability.Logger
}

// LiveSession is one realtime conversation with the Voice Live endpoint,
// implementing session.AgentSession. Audio both ways is 24kHz PCM16.
type LiveSession struct {
	cfg    Config
	logger *observability.Logger

	conn       *websocket.Conn
	writeMutex sync.Mutex

	state  session.Tracker
	events chan session.Event
	inq    *audio.FrameQueue

	mu            sync.Mutex
	pending       map[string]struct{}
	currentItemID string

	started    atomic.Bool
	audioSeq   atomic.Uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	eventsOnce sync.Once
	closeOnce  sync.Once
}

// NewLiveSession prepares a session for one call. Start connects it.
func NewLiveSession(cfg Config) *LiveSession {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &LiveSession{
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  make(chan session.Event, 256),
		inq:     audio.NewFrameQueue(cfg.QueueSize),
		pending: make(map[string]struct{}),
	}
}

// Start dials the realtime WebSocket, applies the session configuration and
// launches the streaming loops.
func (s *LiveSession) Start(ctx context.Context, cfg session.Config) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already started: %w", session.ErrInvalidState)
	}

	wsURL, err := s.websocketURL()
	if err != nil {
		s.state.Set(session.StateFailed)
		s.closeEvents()
		return fmt.Errorf("voice live endpoint: %w", errors.Join(session.ErrSetup, err))
	}

	header := http.Header{}
	header.Set("api-key", s.cfg.APIKey)
	header.Set("x-ms-client-request-id", uuid.NewString())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		s.state.Set(session.StateFailed)
		s.closeEvents()
		s.logger.Error(ctx, "Failed to connect to Voice Live", err)
		if resp != nil {
			return fmt.Errorf("voice live dial (status %d): %w", resp.StatusCode, errors.Join(session.ErrSetup, err))
		}
		return fmt.Errorf("voice live dial: %w", errors.Join(session.ErrSetup, err))
	}
	s.conn = conn

	update := sessionUpdateEvent{Type: "session.update", Session: s.sessionPayload(cfg)}
	if err := s.writeJSON(update); err != nil {
		conn.Close()
		s.state.Set(session.StateFailed)
		s.closeEvents()
		return fmt.Errorf("voice live configure: %w", errors.Join(session.ErrSetup, err))
	}
	s.state.Set(session.StateConfigured)
	s.logger.Info(ctx, "Connected to Voice Live")

	if cfg.Greeting {
		// The agent speaks first on an inbound call.
		if err := s.writeJSON(responseCreateEvent{Type: "response.create"}); err != nil {
			s.logger.WarnWithError(ctx, "Failed to request greeting response", err)
		}
	}

	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(2)
	go s.sendLoop(liveCtx)
	go s.readLoop(liveCtx)
	go func() {
		s.wg.Wait()
		s.closeEvents()
	}()

	s.state.Transition(session.StateStreaming, session.StateConfigured)
	return nil
}

func (s *LiveSession) websocketURL() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(s.cfg.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/voice-live/realtime"
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("model", s.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *LiveSession) sessionPayload(cfg session.Config) sessionConfig {
	voiceName := cfg.Voice.Name
	if voiceName == "" {
		voiceName = s.cfg.Voice
	}
	temperature := cfg.Voice.Temperature
	if temperature == 0 {
		temperature = 0.8
	}

	toolDefs := make([]toolDefinition, 0, len(cfg.Tools))
	for _, def := range cfg.Tools {
		toolDefs = append(toolDefs, toolDefinition{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	return sessionConfig{
		Instructions: cfg.Instructions,
		TurnDetection: &turnDetection{
			Type:              "azure_semantic_vad",
			Threshold:         0.3,
			PrefixPaddingMS:   200,
			SilenceDurationMS: 200,
			RemoveFillerWords: false,
		},
		InputAudioNoiseReduction:   &noiseReduction{Type: "azure_deep_noise_suppression"},
		InputAudioEchoCancellation: &echoCancellation{Type: "server_echo_cancellation"},
		Voice: &voiceConfig{
			Name:        voiceName,
			Type:        "azure-standard",
			Temperature: temperature,
		},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             toolDefs,
		ToolChoice:        "auto",
	}
}

// SendAudio enqueues one caller frame. It never blocks; on a full queue the
// oldest frame is evicted and counted.
func (s *LiveSession) SendAudio(frame audio.Frame) error {
	st := s.state.Get()
	if st != session.StateConfigured && st != session.StateStreaming {
		return fmt.Errorf("send audio in state %s: %w", st, session.ErrInvalidState)
	}
	if evicted := s.inq.Push(frame); evicted {
		s.logger.Warn(context.Background(), "Voice Live input queue full, dropped oldest frame")
	}
	return nil
}

func (s *LiveSession) Events() <-chan session.Event { return s.events }

// SubmitToolResult injects a function call output item and asks for the next
// response so the agent speaks the result.
func (s *LiveSession) SubmitToolResult(ctx context.Context, result tools.Result) error {
	s.mu.Lock()
	_, ok := s.pending[result.RequestID]
	if ok {
		delete(s.pending, result.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tool request %s: %w", result.RequestID, session.ErrUnknownRequestID)
	}

	item := itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: result.RequestID,
			Output: result.Output(),
		},
	}
	if err := s.writeJSON(item); err != nil {
		return fmt.Errorf("send tool output: %w", err)
	}
	if err := s.writeJSON(responseCreateEvent{Type: "response.create"}); err != nil {
		return fmt.Errorf("request response after tool output: %w", err)
	}
	return nil
}

// Interrupt truncates the in-progress response at the played position and
// cancels the rest of it.
func (s *LiveSession) Interrupt(ctx context.Context, played time.Duration) error {
	s.mu.Lock()
	itemID := s.currentItemID
	s.currentItemID = ""
	s.mu.Unlock()

	var errs []error
	if itemID != "" {
		truncate := itemTruncateEvent{
			Type:         "conversation.item.truncate",
			ItemID:       itemID,
			ContentIndex: 0,
			AudioEndMS:   played.Milliseconds(),
		}
		if err := s.writeJSON(truncate); err != nil {
			errs = append(errs, fmt.Errorf("truncate item: %w", err))
		}
	}
	if err := s.writeJSON(responseCancelEvent{Type: "response.cancel"}); err != nil {
		errs = append(errs, fmt.Errorf("cancel response: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the session. Idempotent, bounded by ctx.
func (s *LiveSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Set(session.StateClosing)
		s.inq.Close()
		if s.conn != nil {
			s.writeMutex.Lock()
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMutex.Unlock()
			s.conn.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.state.Get() != session.StateFailed {
		s.state.Set(session.StateClosed)
	}
	s.closeEvents()
	return nil
}

func (s *LiveSession) State() session.State { return s.state.Get() }

func (s *LiveSession) InputFormat() audio.Format  { return audio.PCM16x24k }
func (s *LiveSession) OutputFormat() audio.Format { return audio.PCM16x24k }

func (s *LiveSession) closeEvents() {
	s.eventsOnce.Do(func() { close(s.events) })
}

// emit delivers an event without ever blocking the streaming loops.
func (s *LiveSession) emit(ev session.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn(context.Background(), "Voice Live event dropped, consumer not keeping up")
	}
}

func (s *LiveSession) terminal() bool {
	st := s.state.Get()
	return st == session.StateClosing || st == session.StateClosed || st == session.StateFailed
}

func (s *LiveSession) writeJSON(v any) error {
	msgBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, msgBytes)
}

func (s *LiveSession) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	for frame := range s.inq.Frames() {
		if ctx.Err() != nil {
			return
		}
		err := s.writeJSON(audioAppendEvent{
			Type:  "input_audio_buffer.append",
			Audio: audio.BytesToBase64(frame.Data),
		})
		if err != nil {
			if s.terminal() || ctx.Err() != nil {
				return
			}
			s.logger.Error(ctx, "Failed to send audio to Voice Live", err)
			s.state.Set(session.StateFailed)
			s.emit(session.Event{Type: session.EventError, Err: fmt.Errorf("send audio: %w", err)})
			return
		}
	}
}

func (s *LiveSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.terminal() || ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info(ctx, "Voice Live closed the stream")
			} else {
				s.logger.Error(ctx, "Voice Live read error", err)
			}
			s.state.Set(session.StateFailed)
			s.emit(session.Event{Type: session.EventError, Err: fmt.Errorf("voice live stream: %w", err)})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Error(ctx, "Failed to parse Voice Live event", err)
			continue
		}
		s.handleServerEvent(ctx, ev)
	}
}

func (s *LiveSession) handleServerEvent(ctx context.Context, ev serverEvent) {
	switch ev.Type {
	case eventSessionCreated, eventSessionUpdated:
		s.logger.Debug(ctx, fmt.Sprintf("Voice Live %s", ev.Type))

	case eventSpeechStarted:
		s.emit(session.Event{Type: session.EventSpeechStarted})

	case eventSpeechStopped:
		s.emit(session.Event{Type: session.EventSpeechStopped})

	case eventAudioDelta:
		data, err := audio.Base64ToBytes(ev.Delta)
		if err != nil {
			s.logger.Error(ctx, "Failed to decode audio delta", err)
			return
		}
		s.mu.Lock()
		s.currentItemID = ev.ItemID
		s.mu.Unlock()
		s.emit(session.Event{Type: session.EventAudioDelta, Audio: audio.Frame{
			Data:   data,
			Format: s.OutputFormat(),
			Seq:    s.audioSeq.Add(1),
			Source: audio.SourceAgent,
		}})

	case eventAudioTranscriptDone:
		if ev.Transcript != "" {
			s.emit(session.Event{Type: session.EventTranscript, Transcript: session.Transcript{
				Role: "assistant", Text: ev.Transcript,
			}})
		}

	case eventInputTranscriptDone:
		if ev.Transcript != "" {
			s.emit(session.Event{Type: session.EventTranscript, Transcript: session.Transcript{
				Role: "user", Text: ev.Transcript,
			}})
		}

	case eventFunctionArgumentsDone:
		args := ev.Arguments
		if args == "" {
			args = "{}"
		}
		s.mu.Lock()
		s.pending[ev.CallID] = struct{}{}
		s.mu.Unlock()
		s.emit(session.Event{Type: session.EventToolCall, Tool: tools.Request{
			RequestID: ev.CallID,
			Name:      ev.Name,
			Arguments: json.RawMessage(args),
		}})

	case eventResponseDone:
		s.emit(session.Event{Type: session.EventResponseCompleted})

	case eventError:
		// Advisory errors keep the stream alive; a dead socket is the
		// terminal signal.
		code, message := "", ""
		if ev.Error != nil {
			code, message = ev.Error.Code, ev.Error.Message
		}
		s.logger.Warn(observability.WithFields(ctx,
			observability.Field{Key: "error_code", Value: code},
			observability.Field{Key: "error_message", Value: message}),
			"Voice Live reported an error event")

	default:
		s.logger.Debug(ctx, fmt.Sprintf("Unhandled Voice Live event %s", ev.Type))
	}
}
