package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
}

// CloudSpeechOpener opens Speech-to-Text v2 streaming sessions over one shared client.
type CloudSpeechOpener struct {
	projectID       string
	credentialsJSON string
	location        string

	mu     sync.Mutex
	client *speech.Client
}

func NewCloudSpeechOpener(cfg CloudSpeechConfig) *CloudSpeechOpener {
	return &CloudSpeechOpener{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		location:        strings.TrimSpace(cfg.Location),
	}
}

func (o *CloudSpeechOpener) recognizer() string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", o.projectID, o.location)
}

func (o *CloudSpeechOpener) speechClient() (*speech.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client != nil {
		return o.client, nil
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(o.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if o.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", o.location, speechAPIEndpointPort)))
	}

	// Shared by every stream until Shutdown.
	client, err := speech.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	o.client = client
	slog.Info("cloud speech client created", "location", o.location)
	return client, nil
}

func (o *CloudSpeechOpener) Open(ctx context.Context, cfg transcriber.StreamConfig, listener transcriber.StreamListener) (transcriber.Stream, error) {
	client, err := o.speechClient()
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	rpc, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming recognize: %w", err)
	}
	if err := rpc.Send(buildStreamingConfig(o.recognizer(), cfg)); err != nil {
		_ = rpc.CloseSend()
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}
	slog.Debug("cloud speech stream initialized", "model", cfg.Model, "language", cfg.LanguageCode)

	s := &cloudSpeechStream{
		rpc:      rpc,
		cancel:   cancel,
		listener: listener,
	}
	go s.receive()
	return s, nil
}

func (o *CloudSpeechOpener) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == nil {
		return nil
	}
	err := o.client.Close()
	o.client = nil
	return err
}

type cloudSpeechStream struct {
	rpc    speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	sendMu sync.Mutex
	closed bool

	mu       sync.Mutex
	listener transcriber.StreamListener
	failed   bool
}

func (s *cloudSpeechStream) Write(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed || s.Destroyed() {
		return transcriber.ErrStreamDestroyed
	}
	err := s.rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: chunk},
	})
	if err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *cloudSpeechStream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
}

// Close cancels the RPC, which unblocks a pending Send, then half-closes it.
// It does not wait for the receive goroutine.
func (s *cloudSpeechStream) Close() error {
	s.cancel()
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rpc.CloseSend()
}

func (s *cloudSpeechStream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *cloudSpeechStream) currentListener() transcriber.StreamListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *cloudSpeechStream) receive() {
	for {
		resp, err := s.rpc.Recv()
		if err != nil {
			s.handleRecvError(err)
			return
		}
		if l := s.currentListener(); l != nil {
			l.OnData(responseFromProto(resp))
		}
	}
}

func (s *cloudSpeechStream) handleRecvError(err error) {
	s.mu.Lock()
	s.failed = true
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if isStreamEnd(err) {
		slog.Debug("cloud speech receive loop stopped", "reason", err.Error())
		return
	}
	if listener == nil {
		slog.Debug("cloud speech error after detach", "error", err)
		return
	}
	listener.OnError(err)
}

func isStreamEnd(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func buildStreamingConfig(recognizer string, cfg transcriber.StreamConfig) *speechpb.StreamingRecognizeRequest {
	features := &speechpb.RecognitionFeatures{
		EnableAutomaticPunctuation: cfg.EnableAutomaticPunctuation,
	}
	if cfg.SpeakerCount > 0 {
		features.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			MinSpeakerCount: int32(cfg.SpeakerCount),
			MaxSpeakerCount: int32(cfg.SpeakerCount),
		}
	}

	recognition := &speechpb.RecognitionConfig{
		Model:         cfg.Model,
		LanguageCodes: []string{cfg.LanguageCode},
		DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
			ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
				Encoding:          explicitEncoding(cfg.Encoding),
				SampleRateHertz:   int32(cfg.SampleRateHertz),
				AudioChannelCount: int32(cfg.ChannelCount),
			},
		},
		Features: features,
	}
	if phrases := phraseSetPhrases(cfg.PhraseHints, cfg.PhraseBoost); len(phrases) > 0 {
		recognition.Adaptation = &speechpb.SpeechAdaptation{
			PhraseSets: []*speechpb.SpeechAdaptation_AdaptationPhraseSet{{
				Value: &speechpb.SpeechAdaptation_AdaptationPhraseSet_InlinePhraseSet{
					InlinePhraseSet: &speechpb.PhraseSet{Phrases: phrases},
				},
			}},
		}
	}

	return &speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:            recognition,
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	}
}

func explicitEncoding(enc transcriber.AudioEncoding) speechpb.ExplicitDecodingConfig_AudioEncoding {
	switch enc {
	case transcriber.AudioEncodingLinear16:
		return speechpb.ExplicitDecodingConfig_LINEAR16
	default:
		return speechpb.ExplicitDecodingConfig_AUDIO_ENCODING_UNSPECIFIED
	}
}

func phraseSetPhrases(hints []string, boost float32) []*speechpb.PhraseSet_Phrase {
	phrases := make([]*speechpb.PhraseSet_Phrase, 0, len(hints))
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		phrases = append(phrases, &speechpb.PhraseSet_Phrase{Value: h, Boost: boost})
	}
	return phrases
}

func responseFromProto(resp *speechpb.StreamingRecognizeResponse) transcriber.Response {
	results := make([]transcriber.Result, 0, len(resp.GetResults()))
	for _, r := range resp.GetResults() {
		alts := make([]transcriber.Alternative, 0, len(r.GetAlternatives()))
		for _, a := range r.GetAlternatives() {
			words := make([]transcriber.Word, 0, len(a.GetWords()))
			for _, w := range a.GetWords() {
				words = append(words, transcriber.Word{Text: w.GetWord(), SpeakerLabel: w.GetSpeakerLabel()})
			}
			alts = append(alts, transcriber.Alternative{Transcript: a.GetTranscript(), Words: words})
		}
		results = append(results, transcriber.Result{Alternatives: alts, IsFinal: r.GetIsFinal()})
	}
	return transcriber.Response{Results: results}
}
