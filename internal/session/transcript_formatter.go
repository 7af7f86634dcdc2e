package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/webhook"
)

// 変更容易性を高めるため、time.DateTime をあえて指定していない
const transcriptTimeLayout = "2006-01-02 15:04:05"

func buildTranscriptText(s *repository.Session, endedAt time.Time, timezone string, loc *time.Location, segments []repository.TranscriptSegment) string {
	loc = safeLocation(loc)
	lines := []string{
		fmt.Sprintf("セッションID：%s", s.ID),
	}
	if s.ConversationID != nil {
		lines = append(lines, fmt.Sprintf("会話ID：%s", *s.ConversationID))
	}
	lines = append(lines,
		fmt.Sprintf("期間：%s ~ %s（%s）", s.StartedAt.In(loc).Format(transcriptTimeLayout), endedAt.In(loc).Format(transcriptTimeLayout), timezone),
		"",
	)
	for _, seg := range segments {
		elapsed := seg.SpokenAt.Sub(s.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		lines = append(lines, formatSegmentLine(elapsed, seg))
	}
	return strings.Join(lines, "\n")
}

func formatSegmentLine(elapsed time.Duration, seg repository.TranscriptSegment) string {
	if seg.SpeakerTag == nil {
		return fmt.Sprintf("%s %s", formatElapsedHMS(elapsed), seg.Content)
	}
	return fmt.Sprintf("%s [%s] %s", formatElapsedHMS(elapsed), *seg.SpeakerTag, seg.Content)
}

func buildTranscriptWebhookPayload(s *repository.Session, endedAt time.Time, timezone string, loc *time.Location, segments []repository.TranscriptSegment) webhook.TranscriptWebhookPayload {
	loc = safeLocation(loc)
	durationSeconds := int64(endedAt.Sub(s.StartedAt).Seconds())
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	return webhook.TranscriptWebhookPayload{
		SchemaVersion:      webhook.TranscriptWebhookSchemaVersion,
		SessionID:          s.ID,
		ConversationID:     s.ConversationID,
		StartAt:            s.StartedAt.In(loc).Format(time.RFC3339),
		EndAt:              endedAt.In(loc).Format(time.RFC3339),
		Timezone:           timezone,
		DurationSeconds:    durationSeconds,
		RestartCount:       s.RestartCount,
		StopReason:         s.StopReason,
		SegmentCount:       len(segments),
		TranscriptSegments: buildTranscriptWebhookSegments(segments, endedAt, loc),
		Transcript:         buildTranscriptText(s, endedAt, timezone, loc, segments),
	}
}

func buildTranscriptWebhookSegments(segments []repository.TranscriptSegment, sessionEndedAt time.Time, loc *time.Location) []webhook.TranscriptWebhookSegment {
	out := make([]webhook.TranscriptWebhookSegment, 0, len(segments))
	for i, seg := range segments {
		segmentEnd := sessionEndedAt
		if i+1 < len(segments) {
			segmentEnd = segments[i+1].SpokenAt
		}
		if segmentEnd.Before(seg.SpokenAt) {
			segmentEnd = seg.SpokenAt
		}
		out = append(out, webhook.TranscriptWebhookSegment{
			Index:      seg.SegmentIndex,
			StartAt:    seg.SpokenAt.In(loc).Format(time.RFC3339),
			EndAt:      segmentEnd.In(loc).Format(time.RFC3339),
			SpeakerTag: seg.SpeakerTag,
			Transcript: seg.Content,
		})
	}
	return out
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
