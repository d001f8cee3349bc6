package tts

import (
	"context"
	"errors"
	"fmt"
)

// Remote error codes with retry semantics
const (
	CodeBusy              = "busy"
	CodeProxyError        = "proxy_error"
	CodeUpstreamHTTPError = "upstream_http_error"
)

// Prosody holds the delivery parameters for one utterance.
// Rate and Pitch are multipliers around 1.0; Volume is in [0, 1].
type Prosody struct {
	Rate   float64
	Pitch  float64
	Volume float64
}

// Utterance is one local speech call
type Utterance struct {
	Text string
	Lang string
	Prosody
}

// Request is the remote synthesis payload
type Request struct {
	Engine string  `json:"engine"`
	Text   string  `json:"text"`
	Style  string  `json:"style"`
	Lang   string  `json:"lang"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Audio is synthesized audio ready for playback
type Audio struct {
	Data       []byte // Raw audio bytes
	Format     string // Media type reported by the backend, e.g. audio/pcm
	SampleRate int    // Sample rate in Hz for raw PCM
	Channels   int    // Number of channels (1 for mono)
}

// Error is a structured remote synthesis failure
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tts %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("tts %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the remote error code carried by err, or "" if there is none
func ErrorCode(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Speaker is the always-available local backend: it speaks text directly
type Speaker interface {
	// Speak blocks until the utterance finished playing or ctx is done
	Speak(ctx context.Context, u Utterance) error
	Supported() bool
}

// Synthesizer is the remote backend: it returns audio for playback
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Audio, error)
	Supported() bool
}

// Player plays synthesized audio
type Player interface {
	// Play blocks until playback completed or ctx is done
	Play(ctx context.Context, audio *Audio) error
	Supported() bool
}
