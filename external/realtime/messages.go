package realtime

const (
	eventStartTranscription   = "start-transcription"
	eventEndTranscription     = "end-transcription"
	eventRestartTranscription = "restart-transcription"

	eventTranscription   = "transcription"
	eventRestartRequired = "restart-required"
	eventSessionReady    = "session-ready"
)

type inboundMessage struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId,omitempty"`
}

type transcriptionMessage struct {
	Event      string  `json:"event"`
	Transcript string  `json:"transcript"`
	SpeakerTag *string `json:"speakerTag"`
	IsFinal    bool    `json:"isFinal"`
}

type restartRequiredMessage struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type sessionReadyMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
}
