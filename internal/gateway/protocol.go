package gateway

import (
	"encoding/binary"
	"errors"
)

// Client to server message types
const (
	TypeStartListening = "start_listening"
	TypeStopListening  = "stop_listening"
	TypeSay            = "say"
	TypeStopSpeaking   = "stop_speaking"
	TypeSetEnabled     = "set_enabled"
	TypeSnapshot       = "snapshot"
	TypeSpoken         = "spoken"
	TypeSpeakError     = "speak_error"
	TypePlayed         = "played"
)

// Server to client message types
const (
	TypeReady       = "ready"
	TypeMood        = "mood"
	TypePartial     = "partial"
	TypeMessage     = "message"
	TypeNotice      = "notice"
	TypeDegraded    = "degraded"
	TypeError       = "error"
	TypeState       = "state"
	TypeSpeakLocal  = "speak_local"
	TypeCancelLocal = "cancel_local"
	TypePlay        = "play"
	TypeStopAudio   = "stop_audio"
)

// Binary frame kinds sent to the client. Speech frames carry a 4-byte
// big-endian playback id after the kind byte.
const (
	FrameSpeech  byte = 0x01
	FrameAmbient byte = 0x02
)

// Inbound is a control message from the client
type Inbound struct {
	Type    string `json:"type"`
	ID      uint32 `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outbound is a control message to the client
type Outbound struct {
	Type       string  `json:"type"`
	ID         uint32  `json:"id,omitempty"`
	Session    string  `json:"session,omitempty"`
	Channel    string  `json:"channel,omitempty"`
	Mood       string  `json:"mood,omitempty"`
	Text       string  `json:"text,omitempty"`
	MessageID  string  `json:"message_id,omitempty"`
	Origin     string  `json:"origin,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Active     *bool   `json:"active,omitempty"`
	Degraded   *bool   `json:"degraded,omitempty"`
	Lang       string  `json:"lang,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Volume     float64 `json:"volume,omitempty"`
	Format     string  `json:"format,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Size       int     `json:"size,omitempty"`
	State      any     `json:"state,omitempty"`
}

// EncodeSpeechFrame prefixes payload with the speech kind and playback id
func EncodeSpeechFrame(id uint32, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = FrameSpeech
	binary.BigEndian.PutUint32(frame[1:5], id)
	copy(frame[5:], payload)
	return frame
}

// EncodeAmbientFrame prefixes payload with the ambient kind
func EncodeAmbientFrame(payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = FrameAmbient
	copy(frame[1:], payload)
	return frame
}

// DecodeFrame splits a binary frame into kind, playback id and payload.
// The id is zero for ambient frames.
func DecodeFrame(frame []byte) (kind byte, id uint32, payload []byte, err error) {
	if len(frame) == 0 {
		return 0, 0, nil, errors.New("empty frame")
	}
	switch frame[0] {
	case FrameSpeech:
		if len(frame) < 5 {
			return 0, 0, nil, errors.New("short speech frame")
		}
		return FrameSpeech, binary.BigEndian.Uint32(frame[1:5]), frame[5:], nil
	case FrameAmbient:
		return FrameAmbient, 0, frame[1:], nil
	default:
		return 0, 0, nil, errors.New("unknown frame kind")
	}
}

func boolPtr(b bool) *bool { return &b }
