package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxStreamDuration = 4 * time.Minute
	DefaultSafetyMargin      = 10 * time.Second
)

type TranscriptSink interface {
	OnTranscript(t Transcript)
}

type RestartNotifier interface {
	OnRestartRequest(reason RestartReason)
}

type Options struct {
	SessionID         string
	StreamConfig      transcriber.StreamConfig
	RestartNotifier   RestartNotifier
	MaxStreamDuration time.Duration
	SafetyMargin      time.Duration
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxStreamDuration <= 0 {
		o.MaxStreamDuration = DefaultMaxStreamDuration
	}
	if o.SafetyMargin < 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager drives one upstream recognition stream. Any condition that ends the
// stream early destroys the manager and asks the caller, once, to restart.
type Manager struct {
	sink        TranscriptSink
	notifier    RestartNotifier
	clock       clockwork.Clock
	logger      *slog.Logger
	rotateAfter time.Duration

	mu        sync.Mutex
	lease     *streamLease
	destroyed bool
	// settled is set once the caller has taken over teardown or the restart
	// request has been handed out; nothing is delivered to the caller after it.
	settled bool
}

func NewManager(ctx context.Context, opener transcriber.Opener, sink TranscriptSink, opts Options) (*Manager, error) {
	if opener == nil {
		return nil, errors.New("recognition stream opener is required")
	}
	if sink == nil {
		return nil, errors.New("transcript sink is required")
	}
	opts = opts.withDefaults()
	rotateAfter := opts.MaxStreamDuration - opts.SafetyMargin
	if rotateAfter <= 0 {
		return nil, fmt.Errorf("safety margin %s must be shorter than max stream duration %s", opts.SafetyMargin, opts.MaxStreamDuration)
	}

	m := &Manager{
		sink:        sink,
		notifier:    opts.RestartNotifier,
		clock:       opts.Clock,
		logger:      opts.Logger.With("session_id", opts.SessionID),
		rotateAfter: rotateAfter,
	}

	stream, err := opener.Open(ctx, opts.StreamConfig, &streamListener{manager: m})
	if err != nil {
		return nil, fmt.Errorf("open recognition stream: %w", err)
	}
	lease := &streamLease{stream: stream, openedAt: m.clock.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = lease
	if m.destroyed {
		// The stream failed before Open returned; the restart is already scheduled.
		m.releaseLocked()
		return m, nil
	}
	lease.timer = m.clock.AfterFunc(rotateAfter, func() {
		m.onRotationTimer(lease)
	})
	m.logger.Info("recognition stream opened", "rotate_after", rotateAfter.String())
	return m, nil
}

func (m *Manager) Write(chunk []byte) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	lease := m.lease
	if lease == nil || lease.stream == nil || lease.stream.Destroyed() {
		m.rotateLocked(ReasonStreamMissing, "stream-missing")
		m.mu.Unlock()
		return
	}
	if m.clock.Since(lease.openedAt) >= m.rotateAfter {
		m.rotateLocked(ReasonTimer, "duration")
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := lease.stream.Write(chunk); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.destroyed || m.lease != lease {
			return
		}
		m.logger.Warn("failed to write audio to recognition stream", "error", err, "chunk_bytes", len(chunk))
		m.rotateLocked(ReasonWriteFailed, "write-failed")
	}
}

// Destroy tears the manager down without requesting a restart. A restart that
// was scheduled but not yet delivered is dropped. A transcript whose delivery
// began before Destroy took the lock may still complete after it returns.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return
	}
	m.settled = true
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.releaseLocked()
	m.logger.Debug("transcription manager destroyed")
}

// RequestRestart rotates the stream on the caller's behalf, reporting ReasonManual.
func (m *Manager) RequestRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked(ReasonManual, "manual")
}

func (m *Manager) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *Manager) onRotationTimer(lease *streamLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.lease != lease {
		return
	}
	m.rotateLocked(ReasonTimer, "timer")
}

func (m *Manager) rotateLocked(reason RestartReason, trigger string) {
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.releaseLocked()
	m.logger.Info("recognition stream rotated", "reason", string(reason), "trigger", trigger)
	go m.deliverRestart(reason)
}

func (m *Manager) deliverRestart(reason RestartReason) {
	m.mu.Lock()
	if m.settled {
		m.mu.Unlock()
		return
	}
	m.settled = true
	m.mu.Unlock()
	if m.notifier == nil {
		return
	}
	m.notifier.OnRestartRequest(reason)
}

func (m *Manager) releaseLocked() {
	if m.lease == nil {
		return
	}
	if err := m.lease.release(); err != nil {
		m.logger.Warn("failed to close recognition stream", "error", err)
	}
}

func (m *Manager) handleData(resp transcriber.Response) {
	t, ok := transcriptFromResponse(resp)
	if !ok {
		return
	}
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return
	}
	m.deliverTranscript(t)
}

func (m *Manager) deliverTranscript(t Transcript) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transcript sink panicked", "panic", fmt.Sprint(r), "is_final", t.IsFinal)
		}
	}()
	m.sink.OnTranscript(t)
}

func (m *Manager) handleStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	reason := classifyStreamError(err)
	if reason == ReasonAPILimit {
		m.logger.Info("recognition stream reached provider limit", "error", err)
	} else {
		m.logger.Warn("recognition stream failed", "error", err, "reason", string(reason))
	}
	m.rotateLocked(reason, "stream-error")
}

type streamListener struct {
	manager *Manager
}

func (l *streamListener) OnData(resp transcriber.Response) {
	l.manager.handleData(resp)
}

func (l *streamListener) OnError(err error) {
	l.manager.handleStreamError(err)
}

// streamLease owns a stream together with its rotation timer so both are
// released on the same path.
type streamLease struct {
	stream   transcriber.Stream
	openedAt time.Time
	timer    clockwork.Timer
	released bool
}

func (l *streamLease) release() error {
	if l.released {
		return nil
	}
	l.released = true
	if l.timer != nil {
		l.timer.Stop()
	}
	l.stream.Detach()
	return l.stream.Close()
}
