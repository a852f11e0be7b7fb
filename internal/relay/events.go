package relay

// Provider event types. Only the completed-transcription event carries a
// payload the gateway relays; everything else is consumed and dropped.
const (
	EventTranscriptionCompleted = "audio_transcription.completed"
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventError                  = "error"
)

// Event is one typed message from the provider.
type Event struct {
	Type string
	Text string // set for EventTranscriptionCompleted only
}

// sessionUpdate is the configuration message sent once at session start.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription transcriptionModel `json:"input_audio_transcription"`
	TurnDetection           turnDetection      `json:"turn_detection"`
}

type transcriptionModel struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}
