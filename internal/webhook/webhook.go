package webhook

import "context"

const TranscriptWebhookSchemaVersion = "2026-10-19"

type TranscriptWebhookSegment struct {
	Index      int     `json:"index"`
	StartAt    string  `json:"start_at"`
	EndAt      string  `json:"end_at"`
	SpeakerTag *string `json:"speaker_tag"`
	Transcript string  `json:"transcript"`
}

type TranscriptWebhookPayload struct {
	SchemaVersion      string                     `json:"schema_version"`
	SessionID          string                     `json:"session_id"`
	ConversationID     *string                    `json:"conversation_id"`
	StartAt            string                     `json:"start_at"`
	EndAt              string                     `json:"end_at"`
	Timezone           string                     `json:"timezone"`
	DurationSeconds    int64                      `json:"duration_seconds"`
	RestartCount       int                        `json:"restart_count"`
	StopReason         string                     `json:"stop_reason"`
	SegmentCount       int                        `json:"segment_count"`
	TranscriptSegments []TranscriptWebhookSegment `json:"transcript_segments"`
	Transcript         string                     `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptWebhookPayload) error
}
