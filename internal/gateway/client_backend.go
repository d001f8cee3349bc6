package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/tts"
)

// ErrSessionClosed completes every wait that was pending when the client went away
var ErrSessionClosed = errors.New("voice client disconnected")

// pending tracks client-side playbacks awaiting their completion message
type pending struct {
	mu      sync.Mutex
	next    uint32
	waiters map[uint32]chan error
	closed  bool
}

func newPending() *pending {
	return &pending{waiters: make(map[uint32]chan error)}
}

func (p *pending) open() (uint32, <-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, nil, ErrSessionClosed
	}
	p.next++
	ch := make(chan error, 1)
	p.waiters[p.next] = ch
	return p.next, ch, nil
}

// resolve completes id with err. It reports false for unknown ids.
func (p *pending) resolve(id uint32, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[id]
	if !ok {
		return false
	}
	delete(p.waiters, id)
	ch <- err
	return true
}

func (p *pending) drop(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

func (p *pending) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, ch := range p.waiters {
		ch <- ErrSessionClosed
		delete(p.waiters, id)
	}
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// await blocks until the client completes id or ctx is done, in which case
// the client is told to stop with cancelType
func (s *Session) await(ctx context.Context, id uint32, done <-chan error, cancelType string) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.trySend(Outbound{Type: cancelType, ID: id})
		return ctx.Err()
	}
}

// ClientSpeaker is the local backend when the client speaks text itself
// with its own speech engine
type ClientSpeaker struct {
	s         *Session
	supported bool
}

// Supported reports whether the client declared a local speech engine
func (c *ClientSpeaker) Supported() bool {
	return c.supported
}

// Speak asks the client to speak u and waits for its spoken message
func (c *ClientSpeaker) Speak(ctx context.Context, u tts.Utterance) error {
	id, done, err := c.s.pending.open()
	if err != nil {
		return err
	}
	defer c.s.pending.drop(id)

	msg := Outbound{
		Type:   TypeSpeakLocal,
		ID:     id,
		Text:   u.Text,
		Lang:   u.Lang,
		Rate:   u.Rate,
		Pitch:  u.Pitch,
		Volume: u.Volume,
	}
	if err := c.s.enqueue(ctx, jsonFrame(msg)); err != nil {
		return err
	}
	return c.s.await(ctx, id, done, TypeCancelLocal)
}

// ClientPlayer streams synthesized audio to the client as speech frames
type ClientPlayer struct {
	s      *Session
	format string // pcm, mulaw
}

// Supported is always true while the client is connected
func (c *ClientPlayer) Supported() bool {
	return true
}

// Play sends a play header and the audio frame, then waits for played
func (c *ClientPlayer) Play(ctx context.Context, a *tts.Audio) error {
	if a == nil || len(a.Data) == 0 {
		return nil
	}
	enc, err := encodeForClient(a, c.format)
	if err != nil {
		return fmt.Errorf("prepare audio for client: %w", err)
	}

	id, done, err := c.s.pending.open()
	if err != nil {
		return err
	}
	defer c.s.pending.drop(id)

	header := Outbound{
		Type:       TypePlay,
		ID:         id,
		Format:     enc.Format,
		SampleRate: enc.SampleRate,
		Channels:   enc.Channels,
		Size:       len(enc.Data),
	}
	if err := c.s.enqueue(ctx, jsonFrame(header)); err != nil {
		return err
	}
	if err := c.s.enqueue(ctx, binaryFrame(EncodeSpeechFrame(id, enc.Data))); err != nil {
		return err
	}
	c.s.metrics.RecordAudioBytes("out", int64(len(enc.Data)))
	return c.s.await(ctx, id, done, TypeStopAudio)
}

// encodeForClient turns backend audio into what the client plays: mono PCM16,
// or 8 kHz μ-law when format is mulaw. Compressed formats pass through.
func encodeForClient(a *tts.Audio, format string) (*tts.Audio, error) {
	var clip *audio.Clip
	switch {
	case a.Format == "audio/wav" || a.Format == "audio/x-wav" || bytes.HasPrefix(a.Data, []byte("RIFF")):
		decoded, err := audio.ReadWAV(a.Data)
		if err != nil {
			return nil, err
		}
		clip = decoded
	case a.Format == "" || a.Format == "audio/pcm" || a.Format == "audio/l16":
		samples, err := audio.BytesToSamples(a.Data)
		if err != nil {
			return nil, err
		}
		channels := a.Channels
		if channels == 0 {
			channels = 1
		}
		clip = &audio.Clip{Samples: samples, SampleRate: a.SampleRate, Channels: channels}
	default:
		return a, nil
	}

	pcm := audio.SamplesToBytes(clip.Mono())
	if format == "mulaw" {
		ulaw, err := audio.PCMToMulaw(pcm, clip.SampleRate, 8000)
		if err != nil {
			return nil, err
		}
		return &tts.Audio{Data: ulaw, Format: "audio/mulaw", SampleRate: 8000, Channels: 1}, nil
	}
	return &tts.Audio{Data: pcm, Format: "audio/pcm", SampleRate: clip.SampleRate, Channels: 1}, nil
}
