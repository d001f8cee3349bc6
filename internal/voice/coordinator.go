// Package voice ties speech capture, synthesis and message delivery into one
// turn-taking session with a single observable mood.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lexiqai/voice-session/internal/agent"
	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/delivery"
	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/prefs"
	"github.com/lexiqai/voice-session/internal/synthesis"
	"github.com/rs/zerolog"
)

// Mood is the coordinator's externally visible state
type Mood string

const (
	MoodIdle      Mood = "idle"
	MoodListening Mood = "listening"
	MoodThinking  Mood = "thinking"
	MoodSpeaking  Mood = "speaking"
	MoodError     Mood = "error"
)

// ErrSendFailed wraps outbound send failures reported to OnSendError
var ErrSendFailed = errors.New("send failed")

// rateStep is how much one slower/faster command moves the rate multiplier
const rateStep = 0.1

// PrefStore persists preference changes
type PrefStore interface {
	Set(ctx context.Context, key, value string) error
}

// Config holds coordinator settings
type Config struct {
	ChannelID        string
	ReplyTimeout     time.Duration
	NoReplyThreshold int
	CommandCooldown  time.Duration
	SendTimeout      time.Duration
	Prefs            prefs.Prefs
	Vocabulary       Vocabulary
}

// DefaultConfig returns the standard turn-taking settings
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:     20 * time.Second,
		NoReplyThreshold: 3,
		CommandCooldown:  1500 * time.Millisecond,
		SendTimeout:      30 * time.Second,
		Prefs:            prefs.Defaults(),
		Vocabulary:       DefaultVocabulary(),
	}
}

// Deps are the collaborators a coordinator drives. Prefs may be nil.
type Deps struct {
	Capture *capture.Controller
	Synth   *synthesis.Orchestrator
	Channel *delivery.Channel
	Sender  agent.Sender
	Prefs   PrefStore
}

// Snapshot is a point-in-time read of the session
type Snapshot struct {
	Mood       Mood
	Prefs      prefs.Prefs
	Listening  bool
	Speaking   bool
	SessionID  uint64
	Style      synthesis.Style
	Queued     int
	Awaiting   bool
	NoReplies  int
	Degraded   bool
	Delivery   delivery.State
	Notice     *synthesis.Notice
	LastError  string
	LastSentID string
}

// Coordinator owns one voice session. All methods must be called on the
// scheduler's timeline.
type Coordinator struct {
	sched   loop.Scheduler
	d       Deps
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	mood  Mood
	prefs prefs.Prefs
	sub   *delivery.Subscription

	queue     []delivery.Event
	speaking  uint64 // synthesis session started for a reply, 0 when none
	awaiting  bool
	sendGen   uint64
	replyWait loop.Timer
	noReplies int
	degraded  bool
	lastSent  string

	captureFault  bool
	deliveryFault bool
	lastErr       string

	lastCommand map[Command]time.Time

	onMood      []func(Mood)
	onMessage   func(delivery.Event)
	onDegraded  func(bool)
	onSendError func(error)
}

// New creates a coordinator and hooks it into its collaborators' callbacks
func New(sched loop.Scheduler, d Deps, cfg Config, logger zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	if cfg.NoReplyThreshold <= 0 {
		cfg.NoReplyThreshold = def.NoReplyThreshold
	}
	if cfg.CommandCooldown <= 0 {
		cfg.CommandCooldown = def.CommandCooldown
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = def.Vocabulary
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sched:       sched,
		d:           d,
		cfg:         cfg,
		logger:      logger.With().Str("component", "voice").Str("channel_id", cfg.ChannelID).Logger(),
		metrics:     observability.NewSessionMetrics(cfg.ChannelID),
		ctx:         ctx,
		cancel:      cancel,
		mood:        MoodIdle,
		prefs:       cfg.Prefs,
		lastCommand: make(map[Command]time.Time),
	}

	d.Capture.OnUtterance(c.handleUtterance)
	d.Capture.OnError(c.handleCaptureError)
	d.Capture.OnRunning(c.handleCaptureRunning)
	d.Capture.SetAutoRestart(c.prefs.AutoListen)

	d.Synth.SetBackend(synthesis.ParseBackend(c.prefs.Backend))
	d.Synth.SetRateMultiplier(c.prefs.Rate)
	return c
}

// OnMood registers an observer for mood changes
func (c *Coordinator) OnMood(fn func(Mood)) { c.onMood = append(c.onMood, fn) }

// OnMessage sets the callback for every delivered channel message, ours included
func (c *Coordinator) OnMessage(fn func(delivery.Event)) { c.onMessage = fn }

// OnDegraded sets the callback for the soft no-reply health signal
func (c *Coordinator) OnDegraded(fn func(bool)) { c.onDegraded = fn }

// OnSendError sets the callback for failed outbound sends
func (c *Coordinator) OnSendError(fn func(error)) { c.onSendError = fn }

// Mood returns the current mood
func (c *Coordinator) Mood() Mood { return c.mood }

// Start subscribes to the channel and begins listening if auto-listen is on
func (c *Coordinator) Start() {
	c.metrics.RecordSessionStart()
	c.metrics.RecordMood(string(c.mood))

	c.sub = c.d.Channel.Subscribe(c.cfg.ChannelID, delivery.Handlers{
		OnRemote: c.handleRemote,
		OnSelf:   c.handleSelf,
		OnHealth: c.handleDeliveryHealth,
	})
	c.logger.Info().Interface("prefs", c.prefs).Msg("Voice session started")
	c.autoListen()
}

// Close ends the session. It is safe to call more than once.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	c.speaking = 0
	c.stopWaiting()
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.d.Capture.Stop()
	c.d.Synth.Cancel()
	c.cancel()
	c.metrics.RecordSessionEnd()
	c.logger.Info().Msg("Voice session closed")
}

// StartListening turns capture on
func (c *Coordinator) StartListening() error {
	if c.closed {
		return nil
	}
	if !c.prefs.Enabled {
		return fmt.Errorf("voice mode is disabled")
	}
	if err := c.d.Capture.Start(); err != nil {
		c.logger.Warn().Err(err).Msg("Could not start listening")
		return err
	}
	return nil
}

// StopListening turns capture off
func (c *Coordinator) StopListening() {
	c.d.Capture.Stop()
}

// Say sends typed text through the same path as a spoken utterance
func (c *Coordinator) Say(text string) {
	c.handleText(text)
}

// StopSpeaking cancels playback and drops queued replies
func (c *Coordinator) StopSpeaking() {
	c.queue = nil
	c.d.Synth.Cancel()
	c.settle()
}

// SetEnabled toggles voice mode. Disabling stops capture and playback.
func (c *Coordinator) SetEnabled(enabled bool) {
	if c.prefs.Enabled == enabled {
		return
	}
	c.prefs.Enabled = enabled
	c.save(prefs.KeyEnabled, strconv.FormatBool(enabled))
	if !enabled {
		c.StopListening()
		c.StopSpeaking()
		return
	}
	c.autoListen()
}

// Snapshot returns the session's current state
func (c *Coordinator) Snapshot() Snapshot {
	s := Snapshot{
		Mood:       c.mood,
		Prefs:      c.prefs,
		Listening:  c.d.Capture.Running(),
		Speaking:   c.d.Synth.Speaking(),
		Queued:     len(c.queue),
		Awaiting:   c.awaiting,
		NoReplies:  c.noReplies,
		Degraded:   c.degraded,
		LastError:  c.lastErr,
		LastSentID: c.lastSent,
	}
	s.SessionID, s.Style, _ = c.d.Synth.Current()
	if c.sub != nil {
		s.Delivery = c.sub.State()
	}
	if n, ok := c.d.Synth.ActiveNotice(); ok {
		s.Notice = &n
	}
	return s
}

// settle derives the mood from the collaborators' state
func (c *Coordinator) settle() {
	mood := MoodIdle
	switch {
	case c.captureFault || c.deliveryFault:
		mood = MoodError
	case c.d.Synth.Speaking():
		mood = MoodSpeaking
	case c.awaiting:
		mood = MoodThinking
	case c.d.Capture.Running():
		mood = MoodListening
	}
	c.setMood(mood)
}

func (c *Coordinator) setMood(m Mood) {
	if m == c.mood {
		return
	}
	c.logger.Debug().Str("from", string(c.mood)).Str("to", string(m)).Msg("Mood changed")
	c.mood = m
	if !c.closed {
		c.metrics.RecordMood(string(m))
	}
	for _, fn := range c.onMood {
		fn(m)
	}
}

// autoListen restarts capture after a turn when the preference allows it
func (c *Coordinator) autoListen() {
	if c.closed || !c.prefs.Enabled || !c.prefs.AutoListen || c.captureFault {
		c.settle()
		return
	}
	if !c.d.Capture.Running() && c.d.Capture.Supported() {
		_ = c.StartListening()
	}
	c.settle()
}

func (c *Coordinator) handleCaptureRunning(running bool) {
	if running && c.captureFault {
		c.logger.Info().Msg("Capture recovered")
		c.captureFault = false
	}
	c.settle()
}

func (c *Coordinator) handleCaptureError(err *capture.CaptureError) {
	c.metrics.RecordError(string(err.Code), "capture")
	if !err.Terminal {
		return
	}
	c.logger.Error().Err(err).Msg("Capture failed permanently")
	c.captureFault = true
	c.lastErr = err.Error()
	c.settle()
}

func (c *Coordinator) handleDeliveryHealth(ok bool) {
	if ok == !c.deliveryFault {
		return
	}
	c.deliveryFault = !ok
	if ok {
		c.logger.Info().Msg("Delivery recovered")
	} else {
		c.logger.Error().Msg("Delivery unavailable")
		c.lastErr = "delivery unavailable"
	}
	c.settle()
}

func (c *Coordinator) handleUtterance(u capture.Utterance) {
	c.handleText(u.Text)
}

func (c *Coordinator) handleText(text string) {
	if c.closed {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if cmd, ok := c.cfg.Vocabulary.Match(text); ok {
		c.runCommand(cmd)
		return
	}

	// speaking over a reply interrupts it
	if c.d.Synth.Speaking() || len(c.queue) > 0 {
		c.logger.Debug().Msg("Barge-in, cancelling playback")
		c.queue = nil
		c.d.Synth.Cancel()
	}
	c.send(text)
}

func (c *Coordinator) runCommand(cmd Command) {
	now := c.sched.Now()
	if last, ok := c.lastCommand[cmd]; ok && now.Sub(last) < c.cfg.CommandCooldown {
		c.logger.Debug().Str("command", string(cmd)).Msg("Command in cooldown")
		return
	}
	c.lastCommand[cmd] = now
	observability.RecordCommand(string(cmd))
	c.logger.Info().Str("command", string(cmd)).Msg("Voice command")

	switch cmd {
	case CmdStop:
		c.StopSpeaking()

	case CmdResume:
		if id, ok := c.d.Synth.Resume(c.spoken); ok {
			c.track(id)
		}

	case CmdSlower, CmdFaster:
		rate := c.d.Synth.RateMultiplier() + rateStep
		if cmd == CmdSlower {
			rate = c.d.Synth.RateMultiplier() - rateStep
		}
		c.d.Synth.SetRateMultiplier(rate)
		c.prefs.Rate = c.d.Synth.RateMultiplier()
		c.save(prefs.KeyRate, strconv.FormatFloat(c.prefs.Rate, 'f', 2, 64))

	case CmdLocalVoice:
		c.setBackend(synthesis.Local)

	case CmdRemoteVoice:
		if !c.d.Synth.RemoteUsable() {
			c.logger.Warn().Msg("Remote voice requested but not available")
			return
		}
		c.setBackend(synthesis.Remote)

	case CmdAutoListenOn, CmdAutoListenOff:
		c.prefs.AutoListen = cmd == CmdAutoListenOn
		c.d.Capture.SetAutoRestart(c.prefs.AutoListen)
		c.save(prefs.KeyAutoListen, strconv.FormatBool(c.prefs.AutoListen))
	}
	c.settle()
}

func (c *Coordinator) setBackend(b synthesis.Backend) {
	c.d.Synth.SetBackend(b)
	c.prefs.Backend = string(b)
	c.save(prefs.KeyBackend, string(b))
}

// save persists a preference off the timeline
func (c *Coordinator) save(key, value string) {
	if c.d.Prefs == nil {
		return
	}
	store, ctx, logger := c.d.Prefs, c.ctx, c.logger
	c.sched.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Set(ctx, key, value); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Failed to save preference")
		}
	})
}

func (c *Coordinator) send(text string) {
	c.stopWaiting()
	c.sendGen++
	gen := c.sendGen
	c.awaiting = true
	c.settle()

	c.metrics.RecordAgentStart()
	sender, channelID := c.d.Sender, c.cfg.ChannelID
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	c.sched.Go(func() {
		defer cancel()
		id, err := sender.Send(ctx, channelID, text)
		c.sched.Post(func() { c.sent(gen, id, err) })
	})
}

func (c *Coordinator) sent(gen uint64, id string, err error) {
	if c.closed || gen != c.sendGen || !c.awaiting {
		return
	}
	c.metrics.RecordAgentEnd(err == nil)

	if err != nil {
		c.logger.Error().Err(err).Msg("Send failed")
		c.awaiting = false
		c.lastErr = err.Error()
		if c.onSendError != nil {
			c.onSendError(fmt.Errorf("%w: %w", ErrSendFailed, err))
		}
		c.autoListen()
		return
	}

	c.lastSent = id
	c.replyWait = c.sched.AfterFunc(c.cfg.ReplyTimeout, func() { c.replyTimedOut(gen) })
}

func (c *Coordinator) replyTimedOut(gen uint64) {
	if c.closed || gen != c.sendGen || !c.awaiting {
		return
	}
	c.awaiting = false
	c.noReplies++
	c.logger.Warn().Int("consecutive", c.noReplies).Msg("No reply received")

	if c.noReplies >= c.cfg.NoReplyThreshold && !c.degraded {
		c.degraded = true
		observability.RecordHealthDegraded()
		c.logger.Warn().Msg("Agent appears unresponsive")
		if c.onDegraded != nil {
			c.onDegraded(true)
		}
	}
	c.autoListen()
}

func (c *Coordinator) stopWaiting() {
	loop.StopTimer(c.replyWait)
	c.replyWait = nil
	c.awaiting = false
}

func (c *Coordinator) handleSelf(e delivery.Event) {
	if c.onMessage != nil {
		c.onMessage(e)
	}
}

func (c *Coordinator) handleRemote(e delivery.Event) {
	if c.closed {
		return
	}
	if c.onMessage != nil {
		c.onMessage(e)
	}
	// status and system events are shown, never spoken or taken as the reply
	if !e.IsMessage() {
		c.logger.Debug().Str("event_id", e.ID).Str("kind", e.Kind).Msg("Ignoring non-message event")
		return
	}

	c.stopWaiting()
	c.noReplies = 0
	if c.degraded {
		c.degraded = false
		if c.onDegraded != nil {
			c.onDegraded(false)
		}
	}

	if !c.prefs.Enabled || strings.TrimSpace(e.Text) == "" {
		c.settle()
		return
	}
	if c.d.Synth.Speaking() {
		c.queue = append(c.queue, e)
		c.logger.Debug().Str("event_id", e.ID).Int("queued", len(c.queue)).Msg("Reply queued behind current speech")
		return
	}
	c.speak(e)
}

func (c *Coordinator) speak(e delivery.Event) {
	id := c.d.Synth.Speak(e.Text, c.spoken)
	c.track(id)
	c.logger.Debug().Str("event_id", e.ID).Uint64("session_id", id).Msg("Speaking reply")
	c.settle()
}

// track remembers id unless the session already finished inside the call that started it
func (c *Coordinator) track(id uint64) {
	if cur, _, ok := c.d.Synth.Current(); ok && cur == id {
		c.speaking = id
	}
}

// spoken is the completion callback for every synthesis session we start
func (c *Coordinator) spoken(r synthesis.Result) {
	if c.closed || (c.speaking != 0 && r.SessionID != c.speaking) {
		return
	}
	c.speaking = 0
	if r.Outcome == synthesis.Failed {
		c.logger.Warn().Err(r.Err).Uint64("session_id", r.SessionID).Msg("Reply playback failed")
	}

	if len(c.queue) > 0 && r.Outcome != synthesis.Cancelled {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.speak(next)
		return
	}
	c.autoListen()
}
