package voicelive

import "encoding/json"

// Client to server messages of the Voice Live realtime dialect.

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Instructions               string            `json:"instructions,omitempty"`
	TurnDetection              *turnDetection    `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction   *noiseReduction   `json:"input_audio_noise_reduction,omitempty"`
	InputAudioEchoCancellation *echoCancellation `json:"input_audio_echo_cancellation,omitempty"`
	Voice                      *voiceConfig      `json:"voice,omitempty"`
	InputAudioFormat           string            `json:"input_audio_format,omitempty"`
	OutputAudioFormat          string            `json:"output_audio_format,omitempty"`
	Tools                      []toolDefinition  `json:"tools,omitempty"`
	ToolChoice                 string            `json:"tool_choice,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	RemoveFillerWords bool    `json:"remove_filler_words"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type echoCancellation struct {
	Type string `json:"type"`
}

type voiceConfig struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature,omitempty"`
}

type toolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type responseCancelEvent struct {
	Type string `json:"type"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemTruncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

// serverEvent is the flattened envelope of every server to client message.
// Only the fields relevant to a given Type are populated.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server event types this client reacts to.
const (
	eventSessionCreated        = "session.created"
	eventSessionUpdated        = "session.updated"
	eventSpeechStarted         = "input_audio_buffer.speech_started"
	eventSpeechStopped         = "input_audio_buffer.speech_stopped"
	eventAudioDelta            = "response.audio.delta"
	eventAudioTranscriptDone   = "response.audio_transcript.done"
	eventInputTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	eventFunctionArgumentsDone = "response.function_call_arguments.done"
	eventResponseDone          = "response.done"
	eventError                 = "error"
)
