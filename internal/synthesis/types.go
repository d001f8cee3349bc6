// Package synthesis turns reply text into an ordered, cancellable sequence of
// spoken chunks across a local and a remote speech backend.
package synthesis

import (
	"errors"
	"time"

	"github.com/lexiqai/voice-session/internal/tts"
)

// Backend names a speech backend
type Backend string

const (
	Local  Backend = "local"
	Remote Backend = "remote"
)

// ParseBackend maps a stored preference to a Backend, defaulting to Local
func ParseBackend(s string) Backend {
	if Backend(s) == Remote {
		return Remote
	}
	return Local
}

// Chunk is one unit of speech within a session
type Chunk struct {
	Text    string
	Index   int
	Prosody tts.Prosody
	Backend Backend
	Pause   time.Duration // silence after this chunk
}

// Outcome is how a session ended
type Outcome string

const (
	Completed Outcome = "completed"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

// Result is reported exactly once per session
type Result struct {
	SessionID uint64
	Outcome   Outcome
	Err       error
}

// ErrChunkTimeout is the Result error when a chunk overran its watchdog
var ErrChunkTimeout = errors.New("chunk playback timed out")

// NoticeKind classifies a transient notice
type NoticeKind string

const (
	NoticeFallback NoticeKind = "fallback"
	NoticeTimeout  NoticeKind = "timeout"
	NoticeFailed   NoticeKind = "failed"
)

// Notice is a short-lived, self-dismissing message for the user
type Notice struct {
	ID        uint64
	SessionID uint64
	Kind      NoticeKind
	Message   string
	Expires   time.Time
}

// Ambient is a background soundscape that runs alongside narrative sessions
type Ambient interface {
	Start()
	Stop()
}

// Backends bundles the collaborators the orchestrator drives. Remote, Player and
// Ambient may be nil.
type Backends struct {
	Local   tts.Speaker
	Remote  tts.Synthesizer
	Player  tts.Player
	Ambient Ambient
}

// Config holds orchestrator settings
type Config struct {
	Backend         Backend
	RateMultiplier  float64
	Lang            string
	PreloadLongform bool
	InheritWindow   time.Duration
	NoticeTTL       time.Duration
	WatchdogBase    time.Duration
	WatchdogPerRune time.Duration
}

// DefaultConfig returns the standard orchestrator settings
func DefaultConfig() Config {
	return Config{
		Backend:         Local,
		RateMultiplier:  1.0,
		Lang:            "zh-CN",
		PreloadLongform: true,
		InheritWindow:   8 * time.Second,
		NoticeTTL:       4 * time.Second,
		WatchdogBase:    4 * time.Second,
		WatchdogPerRune: 90 * time.Millisecond,
	}
}
