package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/kikitori/internal/config"
)

type envConfig struct {
	Env                        string   `env:"ENV" envDefault:"production"`
	HTTPAddr                   string   `env:"HTTP_ADDR" envDefault:":8080"`
	WebsocketPath              string   `env:"WEBSOCKET_PATH" envDefault:"/ws/transcription"`
	AllowedOrigins             []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	DatabaseURL                string   `env:"DATABASE_URL,required"`
	GoogleCloudProjectID       string   `env:"GOOGLE_CLOUD_PROJECT_ID,required"`
	GoogleCloudCredentialsJSON string   `env:"GOOGLE_CLOUD_CREDENTIALS_JSON,required"`
	GoogleCloudSpeechLocation  string   `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string   `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	TranscribeLanguage         string   `env:"TRANSCRIBE_LANGUAGE" envDefault:"ja-JP"`
	AudioSampleRateHertz       int      `env:"AUDIO_SAMPLE_RATE_HERTZ" envDefault:"16000"`
	AudioChannelCount          int      `env:"AUDIO_CHANNEL_COUNT" envDefault:"1"`
	SpeakerCount               int      `env:"SPEAKER_COUNT" envDefault:"2"`
	EnableAutomaticPunctuation bool     `env:"ENABLE_AUTOMATIC_PUNCTUATION" envDefault:"true"`
	PhraseHints                []string `env:"PHRASE_HINTS" envSeparator:","`
	PhraseBoost                float32  `env:"PHRASE_BOOST" envDefault:"10"`
	StreamMaxDurationSec       int      `env:"STREAM_MAX_DURATION_SEC" envDefault:"240"`
	StreamSafetyMarginSec      int      `env:"STREAM_SAFETY_MARGIN_SEC" envDefault:"10"`
	TranscriptTimezone         string   `env:"TRANSCRIPT_TIMEZONE" envDefault:"Asia/Tokyo"`
	TranscriptWebhookURL       string   `env:"TRANSCRIPT_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPAddr:                   raw.HTTPAddr,
		WebsocketPath:              raw.WebsocketPath,
		AllowedOrigins:             raw.AllowedOrigins,
		DatabaseURL:                raw.DatabaseURL,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		TranscribeLanguage:         raw.TranscribeLanguage,
		AudioSampleRateHertz:       raw.AudioSampleRateHertz,
		AudioChannelCount:          raw.AudioChannelCount,
		SpeakerCount:               raw.SpeakerCount,
		EnableAutomaticPunctuation: raw.EnableAutomaticPunctuation,
		PhraseHints:                raw.PhraseHints,
		PhraseBoost:                raw.PhraseBoost,
		StreamMaxDurationSec:       raw.StreamMaxDurationSec,
		StreamSafetyMarginSec:      raw.StreamSafetyMarginSec,
		TranscriptTimezone:         raw.TranscriptTimezone,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
