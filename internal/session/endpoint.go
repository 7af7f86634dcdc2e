package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/transcription"
)

type StartRequest struct {
	ConversationID string
}

// Endpoint is the per-connection session. It holds at most one live
// transcription manager and replaces it whenever the client starts again.
type Endpoint struct {
	service *Service
	id      string
	client  Client
	logger  *slog.Logger

	mu          sync.Mutex
	manager     *transcription.Manager
	generation  uint64
	active      bool
	closed      bool
	record      *repository.Session
	restarts    int
	nextSegment int
	finalizing  bool
	pending     *sync.WaitGroup
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) HandleStart(ctx context.Context, req StartRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.manager != nil {
		e.manager.Destroy()
		e.manager = nil
	}
	e.generation++
	gen := e.generation

	if e.record == nil {
		e.openRecordLocked(ctx, req)
	} else {
		e.restarts++
	}
	e.active = true

	mgr, err := transcription.NewManager(ctx, e.service.opener, &transcriptRelay{endpoint: e}, transcription.Options{
		SessionID:         e.id,
		StreamConfig:      e.service.streamConfig(),
		RestartNotifier:   &restartRelay{endpoint: e, generation: gen},
		MaxStreamDuration: e.service.cfg.StreamMaxDuration(),
		SafetyMargin:      e.service.cfg.StreamSafetyMargin(),
		Clock:             e.service.clock,
		Logger:            e.logger,
	})
	if err != nil {
		e.logger.Error("failed to start transcription", "error", err)
		e.sendRestartRequired(transcription.ReasonStreamMissing)
		return
	}
	e.manager = mgr
	e.logger.Info("transcription started", "restart_count", e.restarts)
}

func (e *Endpoint) openRecordLocked(ctx context.Context, req StartRequest) {
	e.restarts = 0
	e.nextSegment = 0
	e.finalizing = false
	e.pending = &sync.WaitGroup{}

	var conversationID *string
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		conversationID = &id
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	record, err := e.service.repo.CreateSession(pctx, repository.CreateSessionInput{
		ConversationID: conversationID,
		StartedAt:      e.service.clock.Now(),
	})
	if err != nil {
		e.logger.Error("failed to create session record; transcripts will not be archived", "error", err)
		return
	}
	e.record = record
	e.logger.Info("session record created", "record_id", record.ID)
}

func (e *Endpoint) HandleAudio(chunk []byte) {
	e.mu.Lock()
	mgr := e.manager
	e.mu.Unlock()
	if mgr == nil {
		e.logger.Debug("dropping audio chunk without transcription manager", "chunk_bytes", len(chunk))
		return
	}
	mgr.Write(chunk)
}

func (e *Endpoint) HandleRestart() {
	e.mu.Lock()
	mgr := e.manager
	e.mu.Unlock()
	if mgr == nil {
		e.logger.Debug("ignoring restart without transcription manager")
		return
	}
	mgr.RequestRestart()
}

func (e *Endpoint) HandleEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked(stopReasonClientEnded)
}

func (e *Endpoint) HandleDisconnect() {
	e.close(stopReasonClientDisconnected)
}

func (e *Endpoint) close(stopReason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.teardownLocked(stopReason)
	e.mu.Unlock()

	e.service.detach(e.id)
	e.logger.Info("session detached", "stop_reason", stopReason)
}

func (e *Endpoint) teardownLocked(stopReason string) {
	if e.manager != nil {
		e.manager.Destroy()
		e.manager = nil
	}
	e.generation++
	if !e.active {
		return
	}
	e.active = false
	e.logger.Info("transcription ended", "stop_reason", stopReason, "restart_count", e.restarts)

	if e.record == nil {
		return
	}
	e.finalizing = true
	e.service.scheduleFinalize(finalizeInput{
		session:      e.record,
		endedAt:      e.service.clock.Now(),
		stopReason:   stopReason,
		restartCount: e.restarts,
		pending:      e.pending,
	})
	e.record = nil
}

func (e *Endpoint) sendRestartRequired(reason transcription.RestartReason) {
	if err := e.client.SendRestartRequired(reason, restartDetail(reason)); err != nil {
		e.logger.Warn("failed to send restart request to client", "error", err, "reason", string(reason))
	}
}

// onRestartRequest runs on the manager's notification goroutine.
func (e *Endpoint) onRestartRequest(generation uint64, reason transcription.RestartReason) {
	e.mu.Lock()
	if generation != e.generation || e.manager == nil {
		e.mu.Unlock()
		e.logger.Debug("ignoring stale restart request", "reason", string(reason))
		return
	}
	mgr := e.manager
	e.manager = nil
	e.mu.Unlock()

	mgr.Destroy()
	e.logger.Info("asking client to restart transcription", "reason", string(reason))
	e.sendRestartRequired(reason)
}

func (e *Endpoint) onTranscript(t transcription.Transcript) {
	if err := e.client.SendTranscript(t); err != nil {
		e.logger.Warn("failed to send transcript to client", "error", err)
	}
	if !t.IsFinal || t.Text == "" {
		return
	}

	e.mu.Lock()
	if e.record == nil || e.finalizing {
		e.mu.Unlock()
		return
	}
	sessionID := e.record.ID
	index := e.nextSegment
	e.nextSegment++
	pending := e.pending
	pending.Add(1)
	e.mu.Unlock()
	defer pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.service.repo.InsertSegment(ctx, repository.InsertSegmentInput{
		SessionID:    sessionID,
		Content:      t.Text,
		SpeakerTag:   t.SpeakerTag,
		SegmentIndex: index,
		SpokenAt:     e.service.clock.Now(),
	}); err != nil {
		e.logger.Error("failed to insert segment", "error", err, "segment_index", index)
	}
}

type transcriptRelay struct {
	endpoint *Endpoint
}

func (r *transcriptRelay) OnTranscript(t transcription.Transcript) {
	r.endpoint.onTranscript(t)
}

type restartRelay struct {
	endpoint   *Endpoint
	generation uint64
}

func (r *restartRelay) OnRestartRequest(reason transcription.RestartReason) {
	r.endpoint.onRestartRequest(r.generation, reason)
}
