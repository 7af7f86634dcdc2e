package transcriber

import (
	"context"
	"errors"
)

var ErrStreamDestroyed = errors.New("recognition stream already destroyed")

type AudioEncoding string

const AudioEncodingLinear16 AudioEncoding = "LINEAR16"

// StreamConfig is sent with every stream a session opens. Rotation never changes it.
type StreamConfig struct {
	Encoding                   AudioEncoding
	SampleRateHertz            int
	ChannelCount               int
	LanguageCode               string
	Model                      string
	EnableAutomaticPunctuation bool
	PhraseHints                []string
	PhraseBoost                float32
	SpeakerCount               int
}

type Word struct {
	Text         string
	SpeakerLabel string
}

type Alternative struct {
	Transcript string
	Words      []Word
}

type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

type Response struct {
	Results []Result
}

type StreamListener interface {
	OnData(resp Response)
	OnError(err error)
}

type Stream interface {
	Write(chunk []byte) error
	// Detach drops the listener; no new event is delivered after it returns.
	Detach()
	Close() error
	Destroyed() bool
}

type Opener interface {
	Open(ctx context.Context, cfg StreamConfig, listener StreamListener) (Stream, error)
}
