package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/foxseedlab/kikitori/internal/transcription"
	"github.com/foxseedlab/kikitori/internal/webhook"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const waitTimeout = time.Second

type mockStream struct {
	mu       sync.Mutex
	listener transcriber.StreamListener
	writes   int
	detached bool
	closed   bool
}

func (s *mockStream) Write(_ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transcriber.ErrStreamDestroyed
	}
	s.writes++
	return nil
}

func (s *mockStream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockStream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockStream) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *mockStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockStream) emitFinal(text, speaker string) {
	s.emit(transcriber.Response{Results: []transcriber.Result{{
		IsFinal: true,
		Alternatives: []transcriber.Alternative{{
			Transcript: text,
			Words:      []transcriber.Word{{Text: text, SpeakerLabel: speaker}},
		}},
	}}})
}

func (s *mockStream) emit(resp transcriber.Response) {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return
	}
	s.listener.OnData(resp)
}

func (s *mockStream) fail(err error) {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return
	}
	s.listener.OnError(err)
}

type mockOpener struct {
	mu      sync.Mutex
	streams []*mockStream
	err     error
}

func (o *mockOpener) Open(_ context.Context, _ transcriber.StreamConfig, listener transcriber.StreamListener) (transcriber.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	s := &mockStream{listener: listener}
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *mockOpener) stream(t *testing.T, i int) *mockStream {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.streams) {
		t.Fatalf("stream %d was not opened (opened %d)", i, len(o.streams))
	}
	return o.streams[i]
}

func (o *mockOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

type mockRepository struct {
	mu          sync.Mutex
	createCount int
	createErr   error
	sessions    map[string]*repository.Session
	segments    []repository.TranscriptSegment
	completed   []repository.CompleteSessionInput
}

func newMockRepository() *mockRepository {
	return &mockRepository{sessions: make(map[string]*repository.Session)}
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createCount++
	s := &repository.Session{
		ID:             fmt.Sprintf("record-%d", m.createCount),
		ConversationID: input.ConversationID,
		StartedAt:      input.StartedAt,
		Status:         repository.SessionStatusRunning,
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockRepository) UpdateSessionCompleted(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, input)
	return nil
}

func (m *mockRepository) CompleteOrphanedSessions(_ context.Context, _ time.Time, _ string) (int64, error) {
	return 0, nil
}

func (m *mockRepository) InsertSegment(_ context.Context, input repository.InsertSegmentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = append(m.segments, repository.TranscriptSegment{
		SessionID:    input.SessionID,
		Content:      input.Content,
		SpeakerTag:   input.SpeakerTag,
		SegmentIndex: input.SegmentIndex,
		SpokenAt:     input.SpokenAt,
	})
	return nil
}

func (m *mockRepository) ListSegmentsBySessionID(_ context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.TranscriptSegment
	for _, seg := range m.segments {
		if seg.SessionID == sessionID {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (m *mockRepository) segmentSnapshot() []repository.TranscriptSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.TranscriptSegment(nil), m.segments...)
}

type mockWebhook struct {
	payloads chan webhook.TranscriptWebhookPayload
}

func (w *mockWebhook) SendTranscript(_ context.Context, payload webhook.TranscriptWebhookPayload) error {
	w.payloads <- payload
	return nil
}

type restartMessage struct {
	reason transcription.RestartReason
	detail string
}

type mockClient struct {
	mu          sync.Mutex
	transcripts []transcription.Transcript
	restarts    chan restartMessage
}

func newMockClient() *mockClient {
	return &mockClient{restarts: make(chan restartMessage, 8)}
}

func (c *mockClient) SendTranscript(t transcription.Transcript) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcripts = append(c.transcripts, t)
	return nil
}

func (c *mockClient) SendRestartRequired(reason transcription.RestartReason, detail string) error {
	c.restarts <- restartMessage{reason: reason, detail: detail}
	return nil
}

func (c *mockClient) transcriptSnapshot() []transcription.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transcription.Transcript(nil), c.transcripts...)
}

func (c *mockClient) waitRestart(t *testing.T) restartMessage {
	t.Helper()
	select {
	case msg := <-c.restarts:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for restart-required")
		return restartMessage{}
	}
}

func (c *mockClient) assertNoRestart(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.restarts:
		t.Fatalf("unexpected restart-required: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type testHarness struct {
	svc     *Service
	opener  *mockOpener
	repo    *mockRepository
	webhook *mockWebhook
	clock   *clockwork.FakeClock
	client  *mockClient
	ep      *Endpoint
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := &config.Config{
		AudioSampleRateHertz:   16000,
		AudioChannelCount:      1,
		TranscribeLanguage:     "ja-JP",
		GoogleCloudSpeechModel: "chirp_3",
		SpeakerCount:           2,
		StreamMaxDurationSec:   240,
		StreamSafetyMarginSec:  10,
		TranscriptTimezone:     "Asia/Tokyo",
	}
	h := &testHarness{
		opener:  &mockOpener{},
		repo:    newMockRepository(),
		webhook: &mockWebhook{payloads: make(chan webhook.TranscriptWebhookPayload, 4)},
		clock:   clockwork.NewFakeClock(),
		client:  newMockClient(),
	}
	h.svc = NewService(cfg, h.opener, h.repo, h.webhook)
	h.svc.clock = h.clock
	h.ep = h.svc.Attach("session-1", h.client)
	return h
}

func (h *testHarness) waitWebhook(t *testing.T) webhook.TranscriptWebhookPayload {
	t.Helper()
	select {
	case p := <-h.webhook.payloads:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for webhook payload")
		return webhook.TranscriptWebhookPayload{}
	}
}

func TestEndpoint_AudioWithoutManagerIsDropped(t *testing.T) {
	h := newHarness(t)

	h.ep.HandleAudio([]byte{1, 2})
	h.ep.HandleRestart()

	if h.opener.openCount() != 0 {
		t.Fatalf("expected no stream to be opened, got %d", h.opener.openCount())
	}
	h.client.assertNoRestart(t)
}

func TestEndpoint_StartForwardsAudioAndTranscripts(t *testing.T) {
	h := newHarness(t)

	h.ep.HandleStart(context.Background(), StartRequest{ConversationID: "conv-1"})
	h.ep.HandleAudio([]byte{1, 2, 3})
	h.ep.HandleAudio([]byte{4, 5, 6})

	s := h.opener.stream(t, 0)
	if s.writeCount() != 2 {
		t.Fatalf("expected 2 writes, got %d", s.writeCount())
	}

	s.emit(transcriber.Response{Results: []transcriber.Result{{
		Alternatives: []transcriber.Alternative{{Transcript: "こん"}},
	}}})
	s.emitFinal("こんにちは", "1")

	got := h.client.transcriptSnapshot()
	if len(got) != 2 || got[0].IsFinal || !got[1].IsFinal || got[1].Text != "こんにちは" {
		t.Fatalf("unexpected transcripts: %+v", got)
	}
	segments := h.repo.segmentSnapshot()
	if len(segments) != 1 {
		t.Fatalf("expected only final transcripts to be archived, got %d", len(segments))
	}
	if segments[0].SessionID != "record-1" || segments[0].SegmentIndex != 0 || *segments[0].SpeakerTag != "1" {
		t.Fatalf("unexpected archived segment: %+v", segments[0])
	}
	if cid := h.repo.sessions["record-1"].ConversationID; cid == nil || *cid != "conv-1" {
		t.Fatalf("unexpected conversation id: %v", cid)
	}
}

func TestEndpoint_SecondStartReplacesManager(t *testing.T) {
	h := newHarness(t)

	h.ep.HandleStart(context.Background(), StartRequest{})
	h.ep.HandleStart(context.Background(), StartRequest{})

	first := h.opener.stream(t, 0)
	second := h.opener.stream(t, 1)
	if !first.isClosed() {
		t.Fatal("expected the first stream to be closed before the second start")
	}
	h.ep.HandleAudio([]byte{1})
	if first.writeCount() != 0 || second.writeCount() != 1 {
		t.Fatalf("audio must go to the newest stream only: first=%d second=%d", first.writeCount(), second.writeCount())
	}
	if h.repo.createCount != 1 {
		t.Fatalf("expected the session record to be reused, got %d creates", h.repo.createCount)
	}
	h.client.assertNoRestart(t)
}

func TestEndpoint_RestartRelay(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{})
	first := h.opener.stream(t, 0)
	first.emitFinal("一つ目", "1")

	first.fail(status.Error(codes.OutOfRange, "stream duration exceeded"))

	msg := h.client.waitRestart(t)
	if msg.reason != transcription.ReasonAPILimit || msg.detail != messageRestartAPILimit {
		t.Fatalf("unexpected restart message: %+v", msg)
	}
	h.ep.HandleAudio([]byte{1})
	if first.writeCount() != 0 || h.opener.openCount() != 1 {
		t.Fatal("audio after a restart request must be dropped until the client starts again")
	}

	h.ep.HandleStart(context.Background(), StartRequest{})
	second := h.opener.stream(t, 1)
	second.emitFinal("二つ目", "0")

	segments := h.repo.segmentSnapshot()
	if len(segments) != 2 || segments[1].SegmentIndex != 1 || segments[1].SessionID != "record-1" {
		t.Fatalf("segment index must continue across rotations: %+v", segments)
	}
	if h.repo.createCount != 1 {
		t.Fatalf("expected a single session record, got %d", h.repo.createCount)
	}
}

func TestEndpoint_RotationTimer(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{})

	h.clock.Advance(3*time.Minute + 49*time.Second)
	h.client.assertNoRestart(t)

	h.clock.Advance(2 * time.Second)
	msg := h.client.waitRestart(t)
	if msg.reason != transcription.ReasonTimer {
		t.Fatalf("unexpected reason: %s", msg.reason)
	}
	if !h.opener.stream(t, 0).isClosed() {
		t.Fatal("expected the rotated stream to be closed")
	}
}

func TestEndpoint_ManualRestart(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{})

	h.ep.HandleRestart()

	msg := h.client.waitRestart(t)
	if msg.reason != transcription.ReasonManual {
		t.Fatalf("unexpected reason: %s", msg.reason)
	}
}

func TestEndpoint_StartFailureRequestsRestart(t *testing.T) {
	h := newHarness(t)
	h.opener.err = errors.New("dial failed")

	h.ep.HandleStart(context.Background(), StartRequest{})

	msg := h.client.waitRestart(t)
	if msg.reason != transcription.ReasonStreamMissing || msg.detail != messageRestartStreamMissing {
		t.Fatalf("unexpected restart message: %+v", msg)
	}
	h.ep.HandleAudio([]byte{1})
}

func TestEndpoint_ArchiveFailureKeepsTranscribing(t *testing.T) {
	h := newHarness(t)
	h.repo.createErr = errors.New("db down")

	h.ep.HandleStart(context.Background(), StartRequest{})
	s := h.opener.stream(t, 0)
	s.emitFinal("聞こえますか", "1")

	if len(h.client.transcriptSnapshot()) != 1 {
		t.Fatal("expected the transcript to be forwarded without an archive")
	}
	if len(h.repo.segmentSnapshot()) != 0 {
		t.Fatal("expected nothing to be archived")
	}
	h.ep.HandleEnd()
	h.svc.Wait()
}

func TestEndpoint_EndFinalizesSession(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{ConversationID: "conv-1"})
	h.opener.stream(t, 0).emitFinal("よろしくお願いします", "1")
	h.ep.HandleStart(context.Background(), StartRequest{})

	h.clock.Advance(30 * time.Second)
	h.ep.HandleEnd()
	h.svc.Wait()

	if !h.opener.stream(t, 1).isClosed() {
		t.Fatal("expected the live stream to be closed on end")
	}
	if len(h.repo.completed) != 1 {
		t.Fatalf("expected one completed session, got %d", len(h.repo.completed))
	}
	completed := h.repo.completed[0]
	if completed.StopReason != stopReasonClientEnded || completed.RestartCount != 1 {
		t.Fatalf("unexpected completion: %+v", completed)
	}

	payload := h.waitWebhook(t)
	if payload.SessionID != "record-1" || payload.SegmentCount != 1 || payload.RestartCount != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.DurationSeconds != 30 {
		t.Fatalf("unexpected duration: %d", payload.DurationSeconds)
	}

	h.clock.Advance(5 * time.Minute)
	h.client.assertNoRestart(t)
}

func TestEndpoint_DisconnectDetaches(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{})

	h.ep.HandleDisconnect()
	h.svc.Wait()

	if h.svc.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions, got %d", h.svc.ActiveSessions())
	}
	if len(h.repo.completed) != 1 || h.repo.completed[0].StopReason != stopReasonClientDisconnected {
		t.Fatalf("unexpected completion: %+v", h.repo.completed)
	}
	h.waitWebhook(t)

	h.ep.HandleStart(context.Background(), StartRequest{})
	if h.opener.openCount() != 1 {
		t.Fatal("start after disconnect must be ignored")
	}
	h.ep.HandleDisconnect()
}

func TestService_ShutdownClosesEndpoints(t *testing.T) {
	h := newHarness(t)
	other := h.svc.Attach("session-2", newMockClient())
	h.ep.HandleStart(context.Background(), StartRequest{})
	other.HandleStart(context.Background(), StartRequest{})

	h.svc.Shutdown()

	if h.svc.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions, got %d", h.svc.ActiveSessions())
	}
	if len(h.repo.completed) != 2 {
		t.Fatalf("expected two completed sessions, got %d", len(h.repo.completed))
	}
	for _, c := range h.repo.completed {
		if c.StopReason != stopReasonServerClosed {
			t.Fatalf("unexpected stop reason: %s", c.StopReason)
		}
	}
	for i := 0; i < 2; i++ {
		h.waitWebhook(t)
	}
}

func TestEndpoint_StaleRestartRequestIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.ep.HandleStart(context.Background(), StartRequest{})
	staleRelay := &restartRelay{endpoint: h.ep, generation: h.ep.generation}

	h.ep.HandleStart(context.Background(), StartRequest{})
	staleRelay.OnRestartRequest(transcription.ReasonAPILimit)

	h.client.assertNoRestart(t)
	second := h.opener.stream(t, 1)
	if second.isClosed() {
		t.Fatal("a stale restart request must not tear down the current stream")
	}
	h.ep.HandleAudio([]byte{1})
	if second.writeCount() != 1 {
		t.Fatalf("expected audio to reach the current stream, got %d writes", second.writeCount())
	}
}

func TestEndpoint_RestartRequestAfterFailedStartIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.opener.err = errors.New("dial failed")
	h.ep.HandleStart(context.Background(), StartRequest{})
	h.client.waitRestart(t)

	relay := &restartRelay{endpoint: h.ep, generation: h.ep.generation}
	relay.OnRestartRequest(transcription.ReasonAPILimit)

	h.client.assertNoRestart(t)
}
