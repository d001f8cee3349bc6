package capture

import (
	"errors"
	"fmt"
	"time"
)

// Utterance is a unit of recognized speech handed to the coordinator
type Utterance struct {
	// Text is the recognized text
	Text string

	// Final is false only for live partials delivered through OnPartial
	Final bool

	// Confidence is the engine's confidence score (0.0 to 1.0), zero when the
	// utterance was committed by a silence timeout or eager rule
	Confidence float64

	// Timestamp is when the utterance was committed
	Timestamp time.Time
}

// ErrorCode is an error code reported by a capture engine
type ErrorCode string

const (
	ErrNoSpeech   ErrorCode = "no-speech"
	ErrAborted    ErrorCode = "aborted"
	ErrNotAllowed ErrorCode = "not-allowed"
	ErrNetwork    ErrorCode = "network"
)

// Transient reports whether the code clears on its own with a quick restart
func (c ErrorCode) Transient() bool {
	return c == ErrNoSpeech || c == ErrAborted
}

// Terminal reports whether retrying cannot help
func (c ErrorCode) Terminal() bool {
	return c == ErrNotAllowed
}

// CaptureError is surfaced to the controller's owner
type CaptureError struct {
	Code     ErrorCode
	Terminal bool
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("capture %s", e.Code)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// ErrUnsupported is returned by Start when no capture engine is available
var ErrUnsupported = errors.New("speech capture not supported")

// Sink receives events from one engine run. Implementations may be called from any goroutine.
type Sink interface {
	// Interim reports the engine's current partial text for the open segment
	Interim(text string)

	// Final reports a finished segment
	Final(text string, confidence float64)

	// Error reports a failure; the run is over
	Error(code ErrorCode)

	// End reports the run finished on its own
	End()
}

// Engine is a continuous speech capture engine
type Engine interface {
	// Start begins a run that reports to sink until Stop, Error or End.
	// It may block while the engine connects.
	Start(sink Sink) error

	// Stop ends the current run
	Stop() error

	// Supported reports whether the engine can run at all
	Supported() bool
}

// CommandMatcher recognizes the local voice-command vocabulary
type CommandMatcher interface {
	IsCommand(text string) bool
}
