package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
)

type Session struct {
	ID             string
	ConversationID *string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         SessionStatus
	StopReason     string
	RestartCount   int
}

type TranscriptSegment struct {
	ID           string
	SessionID    string
	Content      string
	SpeakerTag   *string
	SegmentIndex int
	SpokenAt     time.Time
	CreatedAt    time.Time
}
