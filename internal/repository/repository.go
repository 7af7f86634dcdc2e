package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	ConversationID *string
	StartedAt      time.Time
}

type CompleteSessionInput struct {
	SessionID    string
	EndedAt      time.Time
	StopReason   string
	RestartCount int
}

type InsertSegmentInput struct {
	SessionID    string
	Content      string
	SpeakerTag   *string
	SegmentIndex int
	SpokenAt     time.Time
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	UpdateSessionCompleted(ctx context.Context, input CompleteSessionInput) error
	CompleteOrphanedSessions(ctx context.Context, endedAt time.Time, stopReason string) (int64, error)
}

type TranscriptRepository interface {
	InsertSegment(ctx context.Context, input InsertSegmentInput) error
	ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
}

type Repository interface {
	SessionRepository
	TranscriptRepository
}
