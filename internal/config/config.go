package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Env                        string
	HTTPAddr                   string
	WebsocketPath              string
	AllowedOrigins             []string
	DatabaseURL                string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	TranscribeLanguage         string
	AudioSampleRateHertz       int
	AudioChannelCount          int
	SpeakerCount               int
	EnableAutomaticPunctuation bool
	PhraseHints                []string
	PhraseBoost                float32
	StreamMaxDurationSec       int
	StreamSafetyMarginSec      int
	TranscriptTimezone         string
	TranscriptWebhookURL       string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if !strings.HasPrefix(c.WebsocketPath, "/") {
		return fmt.Errorf("WEBSOCKET_PATH must start with '/', got %q", c.WebsocketPath)
	}
	if c.AudioSampleRateHertz <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE_HERTZ must be positive, got %d", c.AudioSampleRateHertz)
	}
	if c.AudioChannelCount <= 0 {
		return fmt.Errorf("AUDIO_CHANNEL_COUNT must be positive, got %d", c.AudioChannelCount)
	}
	if c.SpeakerCount < 0 {
		return fmt.Errorf("SPEAKER_COUNT must not be negative, got %d", c.SpeakerCount)
	}
	if c.StreamMaxDurationSec <= 0 {
		return fmt.Errorf("STREAM_MAX_DURATION_SEC must be positive, got %d", c.StreamMaxDurationSec)
	}
	if c.StreamSafetyMarginSec < 0 || c.StreamSafetyMarginSec >= c.StreamMaxDurationSec {
		return fmt.Errorf("STREAM_SAFETY_MARGIN_SEC must be between 0 and STREAM_MAX_DURATION_SEC (%d), got %d", c.StreamMaxDurationSec, c.StreamSafetyMarginSec)
	}
	if c.TranscriptTimezone == "" {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is required")
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_ADDR", value: c.HTTPAddr},
		{name: "WEBSOCKET_PATH", value: c.WebsocketPath},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "GOOGLE_CLOUD_SPEECH_LOCATION", value: c.GoogleCloudSpeechLocation},
		{name: "GOOGLE_CLOUD_SPEECH_MODEL", value: c.GoogleCloudSpeechModel},
		{name: "TRANSCRIBE_LANGUAGE", value: c.TranscribeLanguage},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) StreamMaxDuration() time.Duration {
	return time.Duration(c.StreamMaxDurationSec) * time.Second
}

func (c *Config) StreamSafetyMargin() time.Duration {
	return time.Duration(c.StreamSafetyMarginSec) * time.Second
}

func (c *Config) TranscriptLocation() *time.Location {
	loc, err := time.LoadLocation(c.TranscriptTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
