package stt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/resilience"
)

type fakeStream struct {
	mu       sync.Mutex
	written  []byte
	writeErr error
	finished int
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
}

func (s *fakeStream) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

func (s *fakeStream) finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

type event struct {
	kind string
	text string
	code capture.ErrorCode
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) add(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Interim(text string)          { s.add(event{kind: "interim", text: text}) }
func (s *recordingSink) Final(text string, _ float64) { s.add(event{kind: "final", text: text}) }
func (s *recordingSink) Error(code capture.ErrorCode) { s.add(event{kind: "error", code: code}) }
func (s *recordingSink) End()                         { s.add(event{kind: "end"}) }

func (s *recordingSink) snapshot() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	cbs     []msginterfaces.LiveMessageCallback
	fail    int
}

func (d *fakeDialer) dial(_ context.Context, cb msginterfaces.LiveMessageCallback) (stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	s := &fakeStream{}
	d.streams = append(d.streams, s)
	d.cbs = append(d.cbs, cb)
	return s, nil
}

func (d *fakeDialer) last() (*fakeStream, msginterfaces.LiveMessageCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1], d.cbs[len(d.cbs)-1]
}

func testEngine(t *testing.T, cfg EngineConfig) (*DeepgramEngine, *fakeDialer) {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "dg-test"
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = &resilience.ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 5 * time.Millisecond}
	}
	cfg.VAD = audio.VADConfig{EnergyThreshold: 500, OnsetFrames: 2, SilenceFrames: 5, FrameSize: 160}
	e := newEngine(cfg, zerolog.Nop())
	d := &fakeDialer{}
	e.dial = d.dial
	t.Cleanup(func() { e.Close() })
	return e, d
}

func pcm(samples int, amplitude int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.SamplesToBytes(s)
}

func result(t *testing.T, text string, final bool) *msginterfaces.MessageResponse {
	t.Helper()
	payload := map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var msg msginterfaces.MessageResponse
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestDeepgramEngine_Supported(t *testing.T) {
	assert.False(t, NewDeepgramEngine(EngineConfig{}, zerolog.Nop()).Supported())
	assert.True(t, NewDeepgramEngine(EngineConfig{APIKey: "k"}, zerolog.Nop()).Supported())

	e := NewDeepgramEngine(EngineConfig{}, zerolog.Nop())
	assert.ErrorIs(t, e.Start(&recordingSink{}), capture.ErrUnsupported)
}

func TestDeepgramEngine_FlushesPreRoll(t *testing.T) {
	e, d := testEngine(t, EngineConfig{PreRollBytes: 8})

	e.Feed([]byte{1, 2, 3, 4, 5, 6})
	e.Feed([]byte{7, 8, 9, 10})

	require.NoError(t, e.Start(&recordingSink{}))
	s, _ := d.last()
	assert.Equal(t, []byte{3, 4, 5, 6, 7, 8, 9, 10}, s.bytes())

	e.Feed([]byte{11, 12})
	assert.Equal(t, []byte{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, s.bytes())
}

func TestDeepgramEngine_ForwardsTranscripts(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))
	_, cb := d.last()

	require.NoError(t, cb.Message(result(t, "你好", false)))
	require.NoError(t, cb.Message(result(t, "", false)))
	require.NoError(t, cb.Message(result(t, "你好世界。", true)))

	assert.Equal(t, []event{
		{kind: "interim", text: "你好"},
		{kind: "final", text: "你好世界。"},
	}, sink.snapshot())
}

func TestDeepgramEngine_StopIgnoresLateMessages(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))
	s, cb := d.last()

	require.NoError(t, e.Stop())
	assert.Equal(t, 1, s.finishes())

	require.NoError(t, cb.Message(result(t, "too late", true)))
	assert.Empty(t, sink.snapshot())

	e.Feed([]byte{1, 2})
	assert.Empty(t, s.bytes())
}

func TestDeepgramEngine_NoSpeech(t *testing.T) {
	e, d := testEngine(t, EngineConfig{NoSpeechTimeout: 40 * time.Millisecond})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))
	s, _ := d.last()

	e.Feed(pcm(1600, 10))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, event{kind: "error", code: capture.ErrNoSpeech}, sink.snapshot()[0])
	assert.Eventually(t, func() bool { return s.finishes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeepgramEngine_SpeechOnsetDisarmsNoSpeech(t *testing.T) {
	e, _ := testEngine(t, EngineConfig{NoSpeechTimeout: 40 * time.Millisecond})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))

	e.Feed(pcm(1600, 4000))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestDeepgramEngine_WriteFailure(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))
	s, _ := d.last()

	s.mu.Lock()
	s.writeErr = errors.New("broken pipe")
	s.mu.Unlock()

	e.Feed(pcm(160, 4000))
	assert.Equal(t, []event{{kind: "error", code: capture.ErrNetwork}}, sink.snapshot())

	e.Feed(pcm(160, 4000))
	assert.Len(t, sink.snapshot(), 1)
}

func TestDeepgramEngine_ErrorCallback(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	sink := &recordingSink{}
	require.NoError(t, e.Start(sink))
	_, cb := d.last()

	require.NoError(t, cb.Error(nil))
	require.NoError(t, cb.Error(nil))
	assert.Equal(t, []event{{kind: "error", code: capture.ErrNetwork}}, sink.snapshot())
}

func TestDeepgramEngine_ReconnectsWhileStarting(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	d.fail = 2

	require.NoError(t, e.Start(&recordingSink{}))
	assert.Len(t, d.streams, 1)
}

func TestDeepgramEngine_StartFailure(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	d.fail = 10

	err := e.Start(&recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start deepgram stream")

	e.Feed([]byte{1, 2})
	assert.Equal(t, 2, e.preroll.Len())
}

func TestDeepgramEngine_RestartReplacesRun(t *testing.T) {
	e, d := testEngine(t, EngineConfig{})
	first := &recordingSink{}
	second := &recordingSink{}

	require.NoError(t, e.Start(first))
	s1, cb1 := d.last()
	require.NoError(t, e.Start(second))
	_, cb2 := d.last()

	assert.Equal(t, 1, s1.finishes())
	require.NoError(t, cb1.Message(result(t, "old", true)))
	require.NoError(t, cb2.Message(result(t, "new", true)))

	assert.Empty(t, first.snapshot())
	assert.Equal(t, []event{{kind: "final", text: "new"}}, second.snapshot())
}
