package stt

import (
	"context"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/resilience"
)

// EngineConfig holds the settings of a Deepgram capture engine
type EngineConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int // Hz of the PCM16 mono audio passed to Feed

	// NoSpeechTimeout ends a run with no-speech when the voice detector has
	// not heard speech onset within it
	NoSpeechTimeout time.Duration

	// PreRollBytes of audio are kept while a run is connecting and flushed
	// once the stream is open
	PreRollBytes int

	VAD       audio.VADConfig
	Reconnect *resilience.ReconnectConfig
	Breaker   *resilience.CircuitBreaker
}

// DefaultEngineConfig returns settings for 16 kHz input
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Model:           "nova-2",
		Language:        "zh-CN",
		SampleRate:      16000,
		NoSpeechTimeout: 8 * time.Second,
		PreRollBytes:    64000,
		VAD:             audio.DefaultVADConfig(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  4 * time.Second,
		},
	}
}

// stream is the part of a live Deepgram connection the engine writes to
type stream interface {
	Write(p []byte) (int, error)
	Finish()
}

// dialFunc opens a live transcription stream reporting to cb
type dialFunc func(ctx context.Context, cb msginterfaces.LiveMessageCallback) (stream, error)
