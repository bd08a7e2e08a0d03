package browser

// Control messages exchanged with the browser client as WebSocket text
// frames. Caller audio arrives as binary frames of little-endian PCM16 at
// 16kHz and agent audio is sent back the same way. The client opens with
// "start", may send "dtmf" and "stop", and receives "start" (with the
// assigned call id), "clear" and "transcript".
type controlMessage struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Digit  string `json:"digit,omitempty"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
}

const (
	typeStart      = "start"
	typeDTMF       = "dtmf"
	typeStop       = "stop"
	typeClear      = "clear"
	typeTranscript = "transcript"
)
