package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	supported bool
	startErr  error
	starts    int
	stops     int
	sink      Sink
}

func (e *fakeEngine) Start(sink Sink) error {
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.sink = sink
	return nil
}

func (e *fakeEngine) Stop() error {
	e.stops++
	return nil
}

func (e *fakeEngine) Supported() bool { return e.supported }

type commandSet map[string]bool

func (s commandSet) IsCommand(text string) bool { return s[Normalize(text)] }

type harness struct {
	m          *loop.Manual
	engine     *fakeEngine
	c          *Controller
	utterances []Utterance
	errs       []*CaptureError
	running    []bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		m:      loop.NewManual(time.Unix(1700000000, 0)),
		engine: &fakeEngine{supported: true},
	}
	cfg := DefaultConfig()
	cfg.Commands = commandSet{"停止": true, "stop": true}
	h.c = New(h.m, h.engine, cfg, zerolog.Nop())
	h.c.OnUtterance(func(u Utterance) { h.utterances = append(h.utterances, u) })
	h.c.OnError(func(err *CaptureError) { h.errs = append(h.errs, err) })
	h.c.OnRunning(func(r bool) { h.running = append(h.running, r) })

	require.NoError(t, h.c.Start())
	h.m.Drain()
	require.Equal(t, 1, h.engine.starts)
	return h
}

func (h *harness) texts() []string {
	out := make([]string, 0, len(h.utterances))
	for _, u := range h.utterances {
		out = append(out, u.Text)
	}
	return out
}

func TestController_InterimThenFinalEmitsOnce(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("今天天气")
	h.m.Advance(100 * time.Millisecond)
	sink.Interim("今天天气怎么样")
	h.m.Advance(100 * time.Millisecond)
	sink.Final("今天天气怎么样？", 0.92)
	h.m.Advance(5 * time.Second)

	require.Len(t, h.utterances, 1)
	assert.Equal(t, "今天天气怎么样？", h.utterances[0].Text)
	assert.True(t, h.utterances[0].Final)
	assert.InDelta(t, 0.92, h.utterances[0].Confidence, 1e-9)
}

func TestController_StopMidInterimEmitsNothing(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("帮我打开")
	h.m.Drain()
	h.c.Stop()
	h.m.Advance(5 * time.Second)

	sink.Final("帮我打开窗户", 0.9)
	h.m.Advance(5 * time.Second)

	assert.Empty(t, h.utterances)
	assert.False(t, h.c.Running())
	assert.Equal(t, 1, h.engine.stops)
}

func TestController_SilenceTimeoutIsAdaptive(t *testing.T) {
	tests := []struct {
		name string
		text string
		wait time.Duration
	}{
		{"default", "帮我打开窗户", 520 * time.Millisecond},
		{"punctuated", "我明白了，", 220 * time.Millisecond},
		{"command", "停止", 130 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.c.cfg.EagerMinRunes = 100
			h.c.cfg.Commands = nil
			if tt.name == "command" {
				h.c.cfg.Commands = commandSet{"停止": true}
			}

			h.engine.sink.Interim(tt.text)
			if tt.name != "command" {
				h.m.Advance(tt.wait - time.Millisecond)
				assert.Empty(t, h.utterances)
				h.m.Advance(time.Millisecond)
			} else {
				h.m.Drain()
			}
			require.Equal(t, []string{tt.text}, h.texts())
		})
	}
}

func TestController_SilenceFor(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.Commands = commandSet{"停止": true}

	assert.Equal(t, 130*time.Millisecond, h.c.silenceFor("停止"))
	assert.Equal(t, 220*time.Millisecond, h.c.silenceFor("好的。"))
	assert.Equal(t, 520*time.Millisecond, h.c.silenceFor("好的"))
}

func TestController_EagerCommitOnSentence(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("今天天气怎么样？")
	h.m.Drain()
	require.Equal(t, []string{"今天天气怎么样？"}, h.texts())

	sink.Interim("今天天气怎么样？我们")
	h.m.Drain()
	sink.Final("今天天气怎么样？我们去公园吧", 0.8)
	h.m.Advance(3 * time.Second)

	assert.Equal(t, []string{"今天天气怎么样？", "我们去公园吧"}, h.texts())
}

func TestController_CommandCommitsEagerly(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("停止")
	h.m.Drain()
	sink.Final("停止。", 0.9)
	h.m.Advance(3 * time.Second)

	assert.Equal(t, []string{"停止"}, h.texts())
}

func TestController_CommandTailIsNotSentOn(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("停止")
	h.m.Drain()
	sink.Interim("停止吧")
	h.m.Drain()
	sink.Final("停止吧", 0.9)
	h.m.Advance(2 * time.Second)

	assert.Equal(t, []string{"停止"}, h.texts())
	assert.Empty(t, h.c.held)

	// a real request after the command is still its own utterance
	sink.Interim("停止")
	h.m.Drain()
	sink.Final("停止，帮我查一下明天的天气", 0.9)
	h.m.Advance(2 * time.Second)

	assert.Equal(t, []string{"停止", "帮我查一下明天的天气"}, h.texts()[len(h.texts())-2:])
}

func TestController_ShortFragmentMerges(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Final("我想", 0.9)
	h.m.Advance(800 * time.Millisecond)
	assert.Empty(t, h.utterances)

	sink.Final("听点音乐", 0.9)
	h.m.Drain()

	assert.Equal(t, []string{"我想听点音乐"}, h.texts())
}

func TestController_HeldFragmentFlushesAfterWindow(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Final("好的", 0.9)
	h.m.Advance(1399 * time.Millisecond)
	assert.Empty(t, h.utterances)

	h.m.Advance(time.Millisecond)
	assert.Equal(t, []string{"好的"}, h.texts())
}

func TestController_HeldFragmentDiscardedOnStop(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Final("好的", 0.9)
	h.m.Drain()
	h.c.Stop()
	h.m.Advance(5 * time.Second)

	assert.Empty(t, h.utterances)
}

func TestController_DropsFillers(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Final("嗯嗯", 0.9)
	sink.Final("Um, uh", 0.9)
	h.m.Advance(5 * time.Second)

	assert.Empty(t, h.utterances)
}

func TestController_DropsDuplicateFinal(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("帮我打开窗户")
	h.m.Advance(time.Second)
	sink.Final("帮我打开窗户", 0.9)
	h.m.Advance(time.Second)

	assert.Equal(t, []string{"帮我打开窗户"}, h.texts())
}

func TestController_WatchdogRestartsBeforeEngineLimit(t *testing.T) {
	h := newHarness(t)

	h.m.Advance(47 * time.Second)
	assert.Equal(t, 1, h.engine.starts)

	h.m.Advance(time.Second)
	assert.Equal(t, 1, h.engine.stops)
	assert.Equal(t, 2, h.engine.starts)
	assert.True(t, h.c.Running())
}

func TestController_NotAllowedIsTerminal(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Error(ErrNotAllowed)
	h.m.Advance(10 * time.Second)

	require.Len(t, h.errs, 1)
	assert.Equal(t, ErrNotAllowed, h.errs[0].Code)
	assert.True(t, h.errs[0].Terminal)
	assert.False(t, h.c.Running())
	assert.Equal(t, 1, h.engine.starts)
	assert.Equal(t, []bool{true, false}, h.running)
}

func TestController_TransientErrorRestartsQuickly(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Error(ErrNoSpeech)
	h.m.Advance(300 * time.Millisecond)

	assert.Equal(t, 2, h.engine.starts)
	assert.Empty(t, h.errs)
	assert.True(t, h.c.Running())
}

func TestController_NetworkErrorBacksOff(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Error(ErrNetwork)
	h.m.Advance(1999 * time.Millisecond)
	assert.Equal(t, 1, h.engine.starts)

	h.m.Advance(time.Millisecond)
	assert.Equal(t, 2, h.engine.starts)
	require.Len(t, h.errs, 1)
	assert.False(t, h.errs[0].Terminal)
}

func TestController_RestartsAreRateLimited(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Error(ErrAborted)
	h.m.Advance(300 * time.Millisecond)
	require.Equal(t, 2, h.engine.starts)

	h.engine.sink.Error(ErrAborted)
	h.m.Advance(time.Second)
	assert.Equal(t, 2, h.engine.starts)

	h.m.Advance(300 * time.Millisecond)
	assert.Equal(t, 3, h.engine.starts)
}

func TestController_EndCommitsPendingAndRestarts(t *testing.T) {
	h := newHarness(t)
	sink := h.engine.sink

	sink.Interim("帮我打开")
	sink.End()
	h.m.Advance(10 * time.Millisecond)

	assert.Equal(t, []string{"帮我打开"}, h.texts())
	assert.Equal(t, 2, h.engine.starts)
}

func TestController_EndWithoutAutoRestartStops(t *testing.T) {
	h := newHarness(t)
	h.c.SetAutoRestart(false)

	h.engine.sink.End()
	h.m.Advance(5 * time.Second)

	assert.False(t, h.c.Running())
	assert.Equal(t, 1, h.engine.starts)
}

func TestController_StartFailureMapsToNetwork(t *testing.T) {
	m := loop.NewManual(time.Unix(0, 0))
	engine := &fakeEngine{supported: true, startErr: errors.New("dial tcp: connection refused")}
	c := New(m, engine, DefaultConfig(), zerolog.Nop())
	var errs []*CaptureError
	c.OnError(func(err *CaptureError) { errs = append(errs, err) })

	require.NoError(t, c.Start())
	m.Drain()

	require.Len(t, errs, 1)
	assert.Equal(t, ErrNetwork, errs[0].Code)
	assert.True(t, c.Running())
}

func TestController_UnsupportedEngine(t *testing.T) {
	c := New(loop.NewManual(time.Unix(0, 0)), &fakeEngine{}, DefaultConfig(), zerolog.Nop())
	assert.ErrorIs(t, c.Start(), ErrUnsupported)
	assert.False(t, c.Running())
}
