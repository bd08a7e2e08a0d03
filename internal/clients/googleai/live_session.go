package googleai

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
	"voice-server/internal/voice/session"
	"voice-server/internal/voice/tools"

	"google.golang.org/genai"
)

const defaultQueueSize = 64

// LiveSession is one realtime voice conversation with a Gemini Live model,
// implementing session.AgentSession. Gemini Live accepts 16kHz PCM16 input
// and produces 24kHz PCM16 output.
type LiveSession struct {
	client *Client
	model  string
	voice  string
	logger *observability.Logger

	state  session.Tracker
	events chan session.Event
	inq    *audio.FrameQueue

	live   *genai.Session
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string

	started    atomic.Bool
	audioSeq   atomic.Uint64
	eventsOnce sync.Once
	closeOnce  sync.Once
}

// NewLiveSession prepares a session for one call. Start connects it.
func (c *Client) NewLiveSession(model, voice string, queueSize int) *LiveSession {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &LiveSession{
		client:  c,
		model:   model,
		voice:   voice,
		logger:  c.logger,
		events:  make(chan session.Event, 256),
		inq:     audio.NewFrameQueue(queueSize),
		pending: make(map[string]string),
	}
}

// Start connects to the Live API, applies the session configuration and
// launches the streaming loops.
func (s *LiveSession) Start(ctx context.Context, cfg session.Config) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already started: %w", session.ErrInvalidState)
	}

	voiceName := cfg.Voice.Name
	if voiceName == "" {
		voiceName = s.voice
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality("AUDIO")},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: cfg.Instructions},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: voiceName,
				},
			},
		},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{
				Disabled: false,
			},
		},
		Tools: toGenAITools(cfg.Tools),
	}

	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	live, err := s.client.client.Live.Connect(liveCtx, s.model, config)
	if err != nil {
		cancel()
		s.state.Set(session.StateFailed)
		s.closeEvents()
		s.logger.Error(ctx, "Failed to connect to Gemini Live", err)
		return fmt.Errorf("gemini live connect: %w", errors.Join(session.ErrSetup, err))
	}
	s.live = live
	s.state.Set(session.StateConfigured)
	s.logger.Info(ctx, "Connected to Gemini Live")

	if cfg.Greeting {
		err := live.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{
				{
					Role: "user",
					Parts: []*genai.Part{
						{Text: "Greet the caller and offer your help."},
					},
				},
			},
			TurnComplete: true,
		})
		if err != nil {
			s.logger.WarnWithError(ctx, "Failed to request greeting turn", err)
		}
	}

	s.wg.Add(2)
	go s.sendLoop(liveCtx)
	go s.receiveLoop(liveCtx)
	go func() {
		s.wg.Wait()
		s.closeEvents()
	}()

	s.state.Transition(session.StateStreaming, session.StateConfigured)
	return nil
}

// SendAudio enqueues one caller frame. It never blocks; on a full queue the
// oldest frame is evicted and counted.
func (s *LiveSession) SendAudio(frame audio.Frame) error {
	st := s.state.Get()
	if st != session.StateConfigured && st != session.StateStreaming {
		return fmt.Errorf("send audio in state %s: %w", st, session.ErrInvalidState)
	}
	if evicted := s.inq.Push(frame); evicted {
		s.logger.Warn(context.Background(), "Gemini input queue full, dropped oldest frame")
	}
	return nil
}

func (s *LiveSession) Events() <-chan session.Event { return s.events }

// SubmitToolResult sends a function response for a previously observed tool
// call.
func (s *LiveSession) SubmitToolResult(ctx context.Context, result tools.Result) error {
	s.mu.Lock()
	name, ok := s.pending[result.RequestID]
	if ok {
		delete(s.pending, result.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tool request %s: %w", result.RequestID, session.ErrUnknownRequestID)
	}

	response := map[string]any{}
	if result.Err != nil {
		response["error"] = result.Err.Error()
	} else if len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, &response); err != nil {
			response = map[string]any{"result": string(result.Payload)}
		}
	}

	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{
			{
				ID:       result.RequestID,
				Name:     name,
				Response: response,
			},
		},
	})
	if err != nil {
		s.logger.Error(ctx, "Failed to send tool response to Gemini", err)
		return fmt.Errorf("send tool response: %w", err)
	}
	return nil
}

// Interrupt acknowledges a barge-in. Gemini Live truncates the interrupted
// response server side when its VAD fires, so no wire message is needed.
func (s *LiveSession) Interrupt(ctx context.Context, played time.Duration) error {
	s.logger.Debug(observability.WithFields(ctx,
		observability.Field{Key: "played_ms", Value: played.Milliseconds()}),
		"Gemini interruption acknowledged")
	return nil
}

// Close releases the session. Idempotent, bounded by ctx.
func (s *LiveSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Set(session.StateClosing)
		s.inq.Close()
		if s.live != nil {
			if err := s.live.Close(); err != nil {
				s.logger.Debug(ctx, "Gemini live close reported an error")
			}
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

func (s *LiveSession) InputFormat() audio.Format  { return audio.PCM16x16k }
func (s *LiveSession) OutputFormat() audio.Format { return audio.PCM16x24k }

func (s *LiveSession) closeEvents() {
	s.eventsOnce.Do(func() { close(s.events) })
}

// emit delivers an event without ever blocking the streaming loops.
func (s *LiveSession) emit(ev session.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn(context.Background(), "Gemini event dropped, consumer not keeping up")
	}
}

func (s *LiveSession) terminal() bool {
	st := s.state.Get()
	return st == session.StateClosing || st == session.StateClosed || st == session.StateFailed
}

func (s *LiveSession) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	mimeType := fmt.Sprintf("audio/pcm;rate=%d", s.InputFormat().SampleRate)
	for frame := range s.inq.Frames() {
		if ctx.Err() != nil {
			return
		}
		err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{
				Data:     frame.Data,
				MIMEType: mimeType,
			},
		})
		if err != nil {
			if s.terminal() || ctx.Err() != nil {
				return
			}
			s.logger.Error(ctx, "Failed to send audio to Gemini", err)
			s.state.Set(session.StateFailed)
			s.emit(session.Event{Type: session.EventError, Err: fmt.Errorf("send audio: %w", err)})
			return
		}
	}
}

func (s *LiveSession) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.terminal() || ctx.Err() != nil {
				return
			}
			s.logger.Error(ctx, "Gemini live stream failed", err)
			s.state.Set(session.StateFailed)
			s.emit(session.Event{Type: session.EventError, Err: fmt.Errorf("gemini stream: %w", err)})
			return
		}
		s.handleServerMessage(ctx, msg)
	}
}

func (s *LiveSession) handleServerMessage(ctx context.Context, msg *genai.LiveServerMessage) {
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				s.logger.Error(ctx, "Failed to encode tool call arguments", err)
				args = []byte("{}")
			}
			s.mu.Lock()
			s.pending[fc.ID] = fc.Name
			s.mu.Unlock()
			s.emit(session.Event{Type: session.EventToolCall, Tool: tools.Request{
				RequestID: fc.ID,
				Name:      fc.Name,
				Arguments: args,
			}})
		}
	}

	if msg.ToolCallCancellation != nil {
		s.mu.Lock()
		for _, id := range msg.ToolCallCancellation.IDs {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		s.logger.Info(ctx, "Gemini cancelled outstanding tool calls")
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.Interrupted {
		s.emit(session.Event{Type: session.EventSpeechStarted})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(session.Event{Type: session.EventTranscript, Transcript: session.Transcript{
			Role: "user", Text: sc.InputTranscription.Text,
		}})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(session.Event{Type: session.EventTranscript, Transcript: session.Transcript{
			Role: "assistant", Text: sc.OutputTranscription.Text,
		}})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			s.emit(session.Event{Type: session.EventAudioDelta, Audio: audio.Frame{
				Data:   part.InlineData.Data,
				Format: s.OutputFormat(),
				Seq:    s.audioSeq.Add(1),
				Source: audio.SourceAgent,
			}})
		}
	}
	if sc.TurnComplete {
		s.emit(session.Event{Type: session.EventResponseCompleted})
	}
}

func toGenAITools(defs []tools.Definition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 def.Name,
			Description:          def.Description,
			ParametersJsonSchema: def.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
