package repository

import (
	"context"
	"time"

	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO transcription_sessions (conversation_id, started_at, status)
		 VALUES ($1, $2, 'running')
		 RETURNING id::text, conversation_id, started_at, ended_at, status::text, stop_reason, restart_count`,
		input.ConversationID, input.StartedAt)
	var s repository.Session
	var endedAt *time.Time
	err := row.Scan(&s.ID, &s.ConversationID, &s.StartedAt, &endedAt, &s.Status, &s.StopReason, &s.RestartCount)
	if err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}

func (r *PostgresRepository) UpdateSessionCompleted(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE transcription_sessions
		 SET status = 'completed', ended_at = $2, stop_reason = $3, restart_count = $4
		 WHERE id = $1`,
		input.SessionID, input.EndedAt, input.StopReason, input.RestartCount)
	return err
}

func (r *PostgresRepository) CompleteOrphanedSessions(ctx context.Context, endedAt time.Time, stopReason string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transcription_sessions
		 SET status = 'completed', ended_at = $1, stop_reason = $2
		 WHERE status = 'running'`,
		endedAt, stopReason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) InsertSegment(ctx context.Context, input repository.InsertSegmentInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, content, speaker_tag, segment_index, spoken_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		input.SessionID, input.Content, input.SpeakerTag, input.SegmentIndex, input.SpokenAt)
	return err
}

func (r *PostgresRepository) ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, session_id::text, content, speaker_tag, segment_index, spoken_at, created_at
		 FROM transcript_segments WHERE session_id = $1 ORDER BY segment_index ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.TranscriptSegment
	for rows.Next() {
		var seg repository.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Content, &seg.SpeakerTag, &seg.SegmentIndex, &seg.SpokenAt, &seg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) Shutdown() {
	r.pool.Close()
}
