package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/foxseedlab/kikitori/internal/transcription"
	"github.com/foxseedlab/kikitori/internal/webhook"
	"github.com/jonboulle/clockwork"
)

const (
	stopReasonClientEnded        = "client_ended"
	stopReasonClientDisconnected = "client_disconnected"
	stopReasonServerClosed       = "server_closed"
	StopReasonServerRestarted    = "server_restarted"

	persistTimeout = 10 * time.Second
)

// Client is the transport side of one connected session.
type Client interface {
	SendTranscript(t transcription.Transcript) error
	SendRestartRequired(reason transcription.RestartReason, detail string) error
}

type Service struct {
	cfg     *config.Config
	opener  transcriber.Opener
	repo    repository.Repository
	webhook webhook.Sender
	clock   clockwork.Clock

	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	finalizers sync.WaitGroup
}

func NewService(cfg *config.Config, opener transcriber.Opener, repo repository.Repository, wh webhook.Sender) *Service {
	return &Service{
		cfg:       cfg,
		opener:    opener,
		repo:      repo,
		webhook:   wh,
		clock:     clockwork.NewRealClock(),
		endpoints: make(map[string]*Endpoint),
	}
}

func (s *Service) Attach(sessionID string, client Client) *Endpoint {
	e := &Endpoint{
		service: s,
		id:      sessionID,
		client:  client,
		logger:  slog.With("session_id", sessionID),
	}
	s.mu.Lock()
	s.endpoints[sessionID] = e
	active := len(s.endpoints)
	s.mu.Unlock()
	e.logger.Info("session attached", "active_sessions", active)
	return e
}

func (s *Service) detach(sessionID string) {
	s.mu.Lock()
	delete(s.endpoints, sessionID)
	s.mu.Unlock()
}

func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

// Shutdown closes every attached session and waits for their finalization.
func (s *Service) Shutdown() {
	s.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		endpoints = append(endpoints, e)
	}
	s.mu.Unlock()

	for _, e := range endpoints {
		e.close(stopReasonServerClosed)
	}
	s.Wait()
	slog.Info("session service stopped", "closed_sessions", len(endpoints))
}

// Wait blocks until every scheduled finalization has finished.
func (s *Service) Wait() {
	s.finalizers.Wait()
}

// CompleteOrphanedSessions closes session rows a previous process left running.
func (s *Service) CompleteOrphanedSessions(ctx context.Context) error {
	n, err := s.repo.CompleteOrphanedSessions(ctx, s.clock.Now(), StopReasonServerRestarted)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("completed orphaned sessions", "count", n)
	}
	return nil
}

func (s *Service) streamConfig() transcriber.StreamConfig {
	return transcriber.StreamConfig{
		Encoding:                   transcriber.AudioEncodingLinear16,
		SampleRateHertz:            s.cfg.AudioSampleRateHertz,
		ChannelCount:               s.cfg.AudioChannelCount,
		LanguageCode:               s.cfg.TranscribeLanguage,
		Model:                      s.cfg.GoogleCloudSpeechModel,
		EnableAutomaticPunctuation: s.cfg.EnableAutomaticPunctuation,
		PhraseHints:                s.cfg.PhraseHints,
		PhraseBoost:                s.cfg.PhraseBoost,
		SpeakerCount:               s.cfg.SpeakerCount,
	}
}

type finalizeInput struct {
	session      *repository.Session
	endedAt      time.Time
	stopReason   string
	restartCount int
	pending      *sync.WaitGroup
}

func (s *Service) scheduleFinalize(in finalizeInput) {
	s.finalizers.Add(1)
	go func() {
		defer s.finalizers.Done()
		s.finalizeSession(in)
	}()
}

func (s *Service) finalizeSession(in finalizeInput) {
	in.pending.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	logger := slog.With("session_id", in.session.ID)

	if err := s.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{
		SessionID:    in.session.ID,
		EndedAt:      in.endedAt,
		StopReason:   in.stopReason,
		RestartCount: in.restartCount,
	}); err != nil {
		logger.Error("failed to complete session", "error", err)
	}

	segments, err := s.repo.ListSegmentsBySessionID(ctx, in.session.ID)
	if err != nil {
		logger.Error("failed to list transcript segments", "error", err)
		return
	}
	logger.Info("session finalized", "stop_reason", in.stopReason, "restart_count", in.restartCount, "segments", len(segments))

	finished := *in.session
	finished.RestartCount = in.restartCount
	finished.StopReason = in.stopReason
	payload := buildTranscriptWebhookPayload(&finished, in.endedAt, s.cfg.TranscriptTimezone, s.cfg.TranscriptLocation(), segments)
	if err := s.webhook.SendTranscript(ctx, payload); err != nil {
		logger.Error("failed to send webhook transcript", "error", err)
	}
}
