package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/delivery"
	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/prefs"
	"github.com/lexiqai/voice-session/internal/synthesis"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

var (
	chunkA     = strings.Repeat("甲", 30) + "。"
	chunkB     = strings.Repeat("乙", 30) + "。"
	twoChunks  = chunkA + chunkB
	shortReply = "好的，没问题。"
)

type fakeEngine struct {
	starts int
	stops  int
	sink   capture.Sink
}

func (e *fakeEngine) Start(sink capture.Sink) error {
	e.starts++
	e.sink = sink
	return nil
}

func (e *fakeEngine) Stop() error {
	e.stops++
	return nil
}

func (e *fakeEngine) Supported() bool { return true }

type fakeSpeaker struct {
	spoken []string
}

func (f *fakeSpeaker) Supported() bool { return true }

func (f *fakeSpeaker) Speak(ctx context.Context, u tts.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.spoken = append(f.spoken, u.Text)
	return nil
}

type fakeSender struct {
	texts []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ string, text string) (string, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("m%d", len(f.texts)), nil
}

type fakePoller struct {
	events []delivery.Event
}

func (f *fakePoller) Name() string { return "fake-poll" }

func (f *fakePoller) Fetch(context.Context, string, int) ([]delivery.Event, error) {
	return append([]delivery.Event(nil), f.events...), nil
}

type fakeStore struct {
	sets [][2]string
}

func (f *fakeStore) Set(_ context.Context, key, value string) error {
	f.sets = append(f.sets, [2]string{key, value})
	return nil
}

type harness struct {
	m        *loop.Manual
	engine   *fakeEngine
	speaker  *fakeSpeaker
	sender   *fakeSender
	poller   *fakePoller
	store    *fakeStore
	synth    *synthesis.Orchestrator
	co       *Coordinator
	moods    []Mood
	messages []delivery.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		m:       loop.NewManual(t0),
		engine:  &fakeEngine{},
		speaker: &fakeSpeaker{},
		sender:  &fakeSender{},
		poller:  &fakePoller{},
		store:   &fakeStore{},
	}
	logger := zerolog.Nop()

	capCfg := capture.DefaultConfig()
	capCfg.Commands = DefaultVocabulary()
	ctrl := capture.New(h.m, h.engine, capCfg, logger)

	h.synth = synthesis.New(h.m, synthesis.Backends{Local: h.speaker}, synthesis.DefaultConfig(), logger)
	ch := delivery.NewChannel(h.m, nil, h.poller, delivery.Config{SelfID: "voice"}, logger)

	cfg := DefaultConfig()
	cfg.ChannelID = "c1"
	h.co = New(h.m, Deps{
		Capture: ctrl,
		Synth:   h.synth,
		Channel: ch,
		Sender:  h.sender,
		Prefs:   h.store,
	}, cfg, logger)
	h.co.OnMood(func(m Mood) { h.moods = append(h.moods, m) })
	h.co.OnMessage(func(e delivery.Event) { h.messages = append(h.messages, e) })

	h.co.Start()
	h.m.Drain()
	t.Cleanup(h.co.Close)
	return h
}

func (h *harness) reply(id, text string) {
	h.co.handleRemote(delivery.Event{ID: id, Kind: "message", By: "agent", Text: text, TS: h.m.Now()})
}

func TestCoordinator_StartsListening(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, MoodListening, h.co.Mood())
	assert.Equal(t, 1, h.engine.starts)
	assert.Equal(t, delivery.ModePolling, h.co.Snapshot().Delivery.Mode)
}

func TestCoordinator_FullTurn(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Final("帮我查一下明天的天气", 0.9)
	h.m.Drain()
	assert.Equal(t, []string{"帮我查一下明天的天气"}, h.sender.texts)
	assert.Equal(t, MoodThinking, h.co.Mood())
	assert.Equal(t, "m1", h.co.Snapshot().LastSentID)

	h.reply("r1", shortReply)
	assert.Equal(t, MoodSpeaking, h.co.Mood())
	h.m.Drain()

	assert.Equal(t, []string{shortReply}, h.speaker.spoken)
	assert.Equal(t, []Mood{MoodListening, MoodThinking, MoodSpeaking, MoodListening}, h.moods)
	assert.Equal(t, 0, h.co.Snapshot().NoReplies)
}

func TestCoordinator_ReplyTimeoutDegradesHealth(t *testing.T) {
	h := newHarness(t)
	var degraded []bool
	h.co.OnDegraded(func(d bool) { degraded = append(degraded, d) })

	for i := 1; i <= 3; i++ {
		h.co.Say(fmt.Sprintf("第%d个问题", i))
		h.m.Drain()
		assert.Equal(t, MoodThinking, h.co.Mood())

		h.m.Advance(19 * time.Second)
		assert.Equal(t, MoodThinking, h.co.Mood(), "still waiting before the timeout")
		h.m.Advance(time.Second)
		assert.Equal(t, MoodListening, h.co.Mood())
		assert.Equal(t, i, h.co.Snapshot().NoReplies)
	}
	assert.Equal(t, []bool{true}, degraded)
	assert.True(t, h.co.Snapshot().Degraded)

	h.reply("late", shortReply)
	h.m.Drain()
	assert.Equal(t, []bool{true, false}, degraded)
	assert.Equal(t, 0, h.co.Snapshot().NoReplies)
}

func TestCoordinator_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("agent unreachable")
	var sendErrs []error
	h.co.OnSendError(func(err error) { sendErrs = append(sendErrs, err) })

	h.co.Say("你好吗朋友")
	h.m.Drain()

	require.Len(t, sendErrs, 1)
	assert.ErrorIs(t, sendErrs[0], ErrSendFailed)
	assert.Equal(t, MoodListening, h.co.Mood())
	assert.Contains(t, h.co.Snapshot().LastError, "agent unreachable")

	h.m.Advance(time.Minute)
	assert.Equal(t, 0, h.co.Snapshot().NoReplies, "a failed send never waits for a reply")
}

func TestCoordinator_StatusEventsAreNotSpoken(t *testing.T) {
	h := newHarness(t)

	h.co.Say("帮我查一下天气")
	h.m.Drain()
	require.Equal(t, MoodThinking, h.co.Mood())

	h.co.handleRemote(delivery.Event{ID: "s1", Kind: "agent.status", By: "agent", Text: "正在查询…", TS: h.m.Now()})
	h.m.Drain()
	assert.Empty(t, h.speaker.spoken)
	assert.Equal(t, MoodThinking, h.co.Mood(), "a status event is not the reply")
	assert.True(t, h.co.Snapshot().Awaiting)
	require.Len(t, h.messages, 1)

	h.co.handleRemote(delivery.Event{ID: "r1", Kind: "chat.message", By: "agent", Text: shortReply, TS: h.m.Now()})
	h.m.Drain()
	assert.Equal(t, []string{shortReply}, h.speaker.spoken)
	assert.False(t, h.co.Snapshot().Awaiting)
}

func TestCoordinator_QueuesRepliesWhileSpeaking(t *testing.T) {
	h := newHarness(t)

	h.reply("r1", twoChunks)
	h.m.Drain()
	require.Equal(t, []string{chunkA}, h.speaker.spoken)

	h.reply("r2", shortReply)
	assert.Equal(t, 1, h.co.Snapshot().Queued)
	assert.Equal(t, MoodSpeaking, h.co.Mood())

	h.m.Advance(time.Second)
	assert.Equal(t, []string{chunkA, chunkB, shortReply}, h.speaker.spoken)
	assert.Equal(t, 0, h.co.Snapshot().Queued)
	assert.Equal(t, MoodListening, h.co.Mood())
}

func TestCoordinator_BargeInCancelsPlayback(t *testing.T) {
	h := newHarness(t)

	h.reply("r1", twoChunks)
	h.m.Drain()
	h.reply("r2", shortReply)

	h.co.Say("等一下我有个问题")
	h.m.Advance(time.Second)

	assert.Equal(t, []string{chunkA}, h.speaker.spoken)
	assert.Equal(t, []string{"等一下我有个问题"}, h.sender.texts)
	assert.Equal(t, MoodThinking, h.co.Mood())
	assert.Equal(t, 0, h.co.Snapshot().Queued)
}

func TestCoordinator_StopAndResumeCommands(t *testing.T) {
	h := newHarness(t)

	h.reply("r1", twoChunks)
	h.m.Drain()

	h.engine.sink.Final("停止", 0.95)
	h.m.Drain()
	assert.Equal(t, MoodListening, h.co.Mood())
	assert.False(t, h.synth.Speaking())
	assert.Empty(t, h.sender.texts, "commands are not sent to the agent")

	h.m.Advance(time.Second)
	assert.Equal(t, []string{chunkA}, h.speaker.spoken)

	h.co.Say("继续")
	assert.Equal(t, MoodSpeaking, h.co.Mood())
	h.m.Drain()
	assert.Equal(t, []string{chunkA, chunkB}, h.speaker.spoken)
	assert.Equal(t, MoodListening, h.co.Mood())
}

func TestCoordinator_CommandCooldown(t *testing.T) {
	h := newHarness(t)

	h.co.Say("慢一点")
	h.co.Say("慢一点")
	h.m.Drain()
	assert.InDelta(t, 0.9, h.synth.RateMultiplier(), 1e-9)

	h.m.Advance(2 * time.Second)
	h.co.Say("慢一点！")
	h.m.Drain()
	assert.InDelta(t, 0.8, h.synth.RateMultiplier(), 1e-9)
	assert.InDelta(t, 0.8, h.co.Snapshot().Prefs.Rate, 1e-9)

	assert.Equal(t, [][2]string{{prefs.KeyRate, "0.90"}, {prefs.KeyRate, "0.80"}}, h.store.sets)
	assert.Empty(t, h.sender.texts)
}

func TestCoordinator_BackendCommands(t *testing.T) {
	h := newHarness(t)

	h.co.Say("云端语音")
	h.m.Drain()
	assert.Equal(t, synthesis.Local, h.synth.Backend(), "remote is not available")
	assert.Empty(t, h.store.sets)

	h.co.Say("local voice")
	h.m.Drain()
	assert.Equal(t, [][2]string{{prefs.KeyBackend, "local"}}, h.store.sets)
}

func TestCoordinator_AutoListenOff(t *testing.T) {
	h := newHarness(t)

	h.co.Say("关闭自动")
	h.m.Drain()
	assert.False(t, h.co.Snapshot().Prefs.AutoListen)
	assert.Equal(t, [][2]string{{prefs.KeyAutoListen, "false"}}, h.store.sets)

	h.co.StopListening()
	assert.Equal(t, MoodIdle, h.co.Mood())

	h.reply("r1", shortReply)
	h.m.Drain()
	assert.Equal(t, 1, h.engine.starts, "capture stays off after the reply")
	assert.Equal(t, MoodIdle, h.co.Mood())
}

func TestCoordinator_AutoListenRestartsCapture(t *testing.T) {
	h := newHarness(t)

	h.co.StopListening()
	h.reply("r1", shortReply)
	h.m.Drain()

	assert.Equal(t, 2, h.engine.starts)
	assert.Equal(t, MoodListening, h.co.Mood())
}

func TestCoordinator_TerminalCaptureError(t *testing.T) {
	h := newHarness(t)

	h.engine.sink.Error(capture.ErrNotAllowed)
	h.m.Drain()
	assert.Equal(t, MoodError, h.co.Mood())

	h.reply("r1", shortReply)
	h.m.Drain()
	assert.Equal(t, MoodError, h.co.Mood(), "no auto-listen while capture is denied")
	assert.Equal(t, 1, h.engine.starts)

	require.NoError(t, h.co.StartListening())
	h.m.Drain()
	assert.Equal(t, MoodListening, h.co.Mood())
}

func TestCoordinator_DeliveryHealth(t *testing.T) {
	h := newHarness(t)

	h.co.handleDeliveryHealth(false)
	assert.Equal(t, MoodError, h.co.Mood())
	assert.Equal(t, "delivery unavailable", h.co.Snapshot().LastError)

	h.co.handleDeliveryHealth(true)
	assert.Equal(t, MoodListening, h.co.Mood())
}

func TestCoordinator_DisabledVoiceDoesNotSpeak(t *testing.T) {
	h := newHarness(t)

	h.co.SetEnabled(false)
	h.m.Drain()
	assert.Equal(t, MoodIdle, h.co.Mood())
	assert.Equal(t, [][2]string{{prefs.KeyEnabled, "false"}}, h.store.sets)
	assert.Error(t, h.co.StartListening())

	h.reply("r1", shortReply)
	h.m.Drain()
	assert.Empty(t, h.speaker.spoken)
	require.Len(t, h.messages, 1)
	assert.Equal(t, "r1", h.messages[0].ID)
}

func TestCoordinator_RepliesArriveThroughChannel(t *testing.T) {
	h := newHarness(t)
	h.poller.events = []delivery.Event{
		{ID: "e1", Kind: "message", By: "agent", Text: "来自轮询的回复。", TS: t0.Add(time.Second)},
		{ID: "e0", Kind: "message", By: "voice", Text: "my question", TS: t0},
	}

	h.m.Advance(3 * time.Second)

	require.Len(t, h.messages, 2)
	assert.Equal(t, "e0", h.messages[0].ID)
	assert.Equal(t, delivery.OriginSelf, h.messages[0].Origin)
	assert.Equal(t, delivery.OriginRemote, h.messages[1].Origin)
	assert.Equal(t, []string{"来自轮询的回复。"}, h.speaker.spoken)

	h.m.Advance(3 * time.Second)
	assert.Len(t, h.speaker.spoken, 1, "polled events are spoken once")
}

func TestCoordinator_CloseStopsEverything(t *testing.T) {
	h := newHarness(t)

	h.reply("r1", twoChunks)
	h.m.Drain()
	h.co.Close()
	h.m.Advance(time.Second)

	assert.False(t, h.synth.Speaking())
	assert.Equal(t, []string{chunkA}, h.speaker.spoken)
	assert.GreaterOrEqual(t, h.engine.stops, 1)

	h.reply("r2", shortReply)
	h.m.Drain()
	assert.Len(t, h.speaker.spoken, 1)
}

func TestVocabulary_Match(t *testing.T) {
	v := DefaultVocabulary()
	tests := []struct {
		text string
		want Command
		ok   bool
	}{
		{"停止。", CmdStop, true},
		{"Shut up!", CmdStop, true},
		{"  继续 ", CmdResume, true},
		{"Auto  Listen  Off", CmdAutoListenOff, true},
		{"stop the music", "", false},
		{"今天天气", "", false},
	}
	for _, tt := range tests {
		got, ok := v.Match(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
		assert.Equal(t, tt.ok, v.IsCommand(tt.text), tt.text)
	}
}
