// Package capture turns a continuous speech engine's interim and final events
// into discrete utterances.
package capture

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config tunes utterance segmentation and run supervision
type Config struct {
	CommandSilence  time.Duration // silence timeout after a command-like fragment
	PunctSilence    time.Duration // silence timeout after punctuation
	DefaultSilence  time.Duration
	EagerMinRunes   int
	HoldMaxRunes    int
	HoldWindow      time.Duration
	DuplicateWindow time.Duration

	MaxRun          time.Duration // engine's own hard run limit
	WatchdogMargin  time.Duration
	TransientDelay  time.Duration // restart delay after no-speech or aborted
	ErrorDelay      time.Duration // restart delay after other errors
	RestartInterval time.Duration // minimum spacing between restarts

	Commands CommandMatcher
}

// DefaultConfig returns the standard segmentation settings
func DefaultConfig() Config {
	return Config{
		CommandSilence:  130 * time.Millisecond,
		PunctSilence:    220 * time.Millisecond,
		DefaultSilence:  520 * time.Millisecond,
		EagerMinRunes:   6,
		HoldMaxRunes:    3,
		HoldWindow:      1400 * time.Millisecond,
		DuplicateWindow: 1500 * time.Millisecond,
		MaxRun:          50 * time.Second,
		WatchdogMargin:  2 * time.Second,
		TransientDelay:  250 * time.Millisecond,
		ErrorDelay:      2 * time.Second,
		RestartInterval: 1500 * time.Millisecond,
	}
}

// Controller supervises engine runs and segments their output.
// All methods must be called on the scheduler's timeline.
type Controller struct {
	sched   loop.Scheduler
	engine  Engine
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	onUtterance func(Utterance)
	onPartial   func(Utterance)
	onError     func(*CaptureError)
	onRunning   func(bool)

	wanted      bool
	autoRestart bool
	starting    bool
	active      bool
	gen         uint64 // bumped whenever a run is abandoned

	interim   string
	committed string // prefix of the open segment already emitted
	afterCmd  bool   // the last committed piece was a voice command
	silence   loop.Timer
	watchdog  loop.Timer
	restart   loop.Timer

	held      string
	heldAt    time.Time
	heldTimer loop.Timer

	lastText string
	lastAt   time.Time
}

// New creates a capture controller over engine
func New(sched loop.Scheduler, engine Engine, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		sched:       sched,
		engine:      engine,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(cfg.RestartInterval), 1),
		logger:      logger.With().Str("component", "capture").Logger(),
		autoRestart: true,
	}
}

// OnUtterance sets the callback for committed utterances
func (c *Controller) OnUtterance(fn func(Utterance)) { c.onUtterance = fn }

// OnPartial sets the callback for live interim text
func (c *Controller) OnPartial(fn func(Utterance)) { c.onPartial = fn }

// OnError sets the callback for surfaced capture errors
func (c *Controller) OnError(fn func(*CaptureError)) { c.onError = fn }

// OnRunning sets the callback fired when capture turns on or off
func (c *Controller) OnRunning(fn func(bool)) { c.onRunning = fn }

// Supported reports whether the engine can capture at all
func (c *Controller) Supported() bool {
	return c.engine.Supported()
}

// Running reports whether capture is on
func (c *Controller) Running() bool {
	return c.wanted
}

// SetAutoRestart controls whether runs that end on their own are restarted
func (c *Controller) SetAutoRestart(enabled bool) {
	c.autoRestart = enabled
}

// Start begins continuous capture. It is a no-op while a run is live.
func (c *Controller) Start() error {
	if !c.engine.Supported() {
		return ErrUnsupported
	}
	if c.wanted {
		return nil
	}
	c.wanted = true
	c.setRunning(true)
	c.startRun()
	return nil
}

// Stop ends capture. Buffered interim text and held fragments are discarded.
func (c *Controller) Stop() {
	if !c.wanted && !c.active && !c.starting {
		return
	}
	c.wanted = false
	c.abandonRun()
	c.clearHeld()
	c.setRunning(false)
}

func (c *Controller) setRunning(running bool) {
	if c.onRunning != nil {
		c.onRunning(running)
	}
}

func (c *Controller) startRun() {
	c.gen++
	gen := c.gen
	c.starting = true
	sink := &runSink{c: c, gen: gen}

	c.sched.Go(func() {
		err := c.engine.Start(sink)
		c.sched.Post(func() { c.started(gen, err) })
	})
}

func (c *Controller) started(gen uint64, err error) {
	if gen != c.gen {
		if err == nil {
			c.sched.Go(func() { _ = c.engine.Stop() })
		}
		return
	}
	c.starting = false

	if err != nil {
		code := ErrNetwork
		var ce *CaptureError
		if errors.As(err, &ce) {
			code = ce.Code
		}
		c.logger.Warn().Err(err).Str("code", string(code)).Msg("Capture run failed to start")
		c.handleError(gen, code)
		return
	}

	c.active = true
	c.watchdog = c.sched.AfterFunc(c.cfg.MaxRun-c.cfg.WatchdogMargin, func() {
		if gen != c.gen || !c.active {
			return
		}
		c.logger.Debug().Msg("Capture run near engine limit, restarting")
		c.commitInterim("silence")
		c.abandonRun()
		c.scheduleRestart("watchdog", 0)
	})
	c.logger.Debug().Uint64("run", gen).Msg("Capture run started")
}

// abandonRun invalidates the live run and everything it armed
func (c *Controller) abandonRun() {
	c.gen++
	loop.StopTimer(c.silence)
	loop.StopTimer(c.watchdog)
	loop.StopTimer(c.restart)
	c.interim = ""
	c.committed = ""
	c.afterCmd = false
	if c.active || c.starting {
		c.sched.Go(func() { _ = c.engine.Stop() })
	}
	c.active = false
	c.starting = false
}

func (c *Controller) scheduleRestart(reason string, delay time.Duration) {
	if !c.wanted {
		return
	}
	now := c.sched.Now()
	if wait := c.limiter.ReserveN(now, 1).DelayFrom(now); wait > delay {
		delay = wait
	}

	observability.RecordCaptureRestart(reason)
	gen := c.gen
	c.restart = c.sched.AfterFunc(delay, func() {
		if gen != c.gen || !c.wanted {
			return
		}
		c.startRun()
	})
}

func (c *Controller) handleInterim(gen uint64, text string) {
	if gen != c.gen || !c.wanted {
		return
	}
	text = c.stripCommitted(text)
	if text == "" {
		return
	}
	c.interim = text

	if c.onPartial != nil {
		c.onPartial(Utterance{Text: text, Timestamp: c.sched.Now()})
	}

	if c.eager(text) {
		c.commitInterim("eager")
		return
	}

	loop.StopTimer(c.silence)
	c.silence = c.sched.AfterFunc(c.silenceFor(text), func() {
		if gen != c.gen {
			return
		}
		c.commitInterim("silence")
	})
}

func (c *Controller) handleFinal(gen uint64, text string, confidence float64) {
	if gen != c.gen || !c.wanted {
		return
	}
	loop.StopTimer(c.silence)
	text = c.stripCommitted(text)
	c.interim = ""
	c.committed = ""
	c.afterCmd = false
	c.emit(text, confidence, "final")
}

func (c *Controller) handleError(gen uint64, code ErrorCode) {
	if gen != c.gen {
		return
	}
	c.abandonRun()

	if code.Terminal() {
		c.logger.Error().Str("code", string(code)).Msg("Capture permission denied")
		c.wanted = false
		c.clearHeld()
		c.setRunning(false)
		c.surface(code, true)
		return
	}

	c.logger.Warn().Str("code", string(code)).Msg("Capture engine error")
	if !c.autoRestart {
		c.wanted = false
		c.setRunning(false)
		c.surface(code, false)
		return
	}

	delay := c.cfg.ErrorDelay
	if code.Transient() {
		delay = c.cfg.TransientDelay
	} else {
		c.surface(code, false)
	}
	c.scheduleRestart(string(code), delay)
}

func (c *Controller) handleEnd(gen uint64) {
	if gen != c.gen {
		return
	}
	c.commitInterim("silence")
	c.abandonRun()

	if c.wanted && c.autoRestart {
		c.scheduleRestart("end", 0)
		return
	}
	if c.wanted {
		c.wanted = false
		c.setRunning(false)
	}
}

func (c *Controller) surface(code ErrorCode, terminal bool) {
	if c.onError != nil {
		c.onError(&CaptureError{Code: code, Terminal: terminal})
	}
}

// stripCommitted drops the part of a cumulative segment that was already
// emitted. A short or filler tail after a committed command ("停止" then
// "停止吧") belongs to the command and is dropped too.
func (c *Controller) stripCommitted(text string) string {
	text = strings.TrimSpace(text)
	if c.committed == "" || !strings.HasPrefix(text, c.committed) {
		return text
	}
	rest := strings.TrimLeftFunc(strings.TrimPrefix(text, c.committed), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if c.afterCmd && !c.isCommand(rest) &&
		(isFiller(rest) || utf8.RuneCountInString(Normalize(rest)) <= c.cfg.HoldMaxRunes) {
		return ""
	}
	return rest
}

func (c *Controller) commitInterim(trigger string) {
	loop.StopTimer(c.silence)
	if c.interim == "" {
		return
	}
	text := c.interim
	c.committed += text
	c.afterCmd = c.isCommand(text)
	c.interim = ""
	c.emit(text, 0, trigger)
}

func (c *Controller) isCommand(text string) bool {
	return c.cfg.Commands != nil && c.cfg.Commands.IsCommand(text)
}

func (c *Controller) eager(text string) bool {
	if c.isCommand(text) {
		return true
	}
	return utf8.RuneCountInString(text) >= c.cfg.EagerMinRunes && EndsSentence(text)
}

func (c *Controller) silenceFor(text string) time.Duration {
	switch {
	case c.isCommand(text):
		return c.cfg.CommandSilence
	case EndsClause(text):
		return c.cfg.PunctSilence
	default:
		return c.cfg.DefaultSilence
	}
}

// emit applies merge, filler and duplicate rules before delivering
func (c *Controller) emit(text string, confidence float64, trigger string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := c.sched.Now()

	if c.held != "" {
		if now.Sub(c.heldAt) <= c.cfg.HoldWindow {
			text = join(c.held, text)
		} else {
			c.deliver(c.held, 0, "held", c.heldAt)
		}
		c.clearHeld()
	}

	command := c.isCommand(text)
	if !command && isFiller(text) {
		c.logger.Debug().Str("text", text).Msg("Dropping filler fragment")
		return
	}

	if !command && utf8.RuneCountInString(Normalize(text)) <= c.cfg.HoldMaxRunes {
		c.held = text
		c.heldAt = now
		c.heldTimer = c.sched.AfterFunc(c.cfg.HoldWindow, func() {
			if c.held == "" {
				return
			}
			held, at := c.held, c.heldAt
			c.clearHeld()
			c.deliver(held, 0, "held", at)
		})
		return
	}

	c.deliver(text, confidence, trigger, now)
}

func (c *Controller) clearHeld() {
	loop.StopTimer(c.heldTimer)
	c.heldTimer = nil
	c.held = ""
}

func (c *Controller) deliver(text string, confidence float64, trigger string, at time.Time) {
	now := c.sched.Now()
	norm := Normalize(text)
	if norm == c.lastText && now.Sub(c.lastAt) < c.cfg.DuplicateWindow {
		c.logger.Debug().Str("text", text).Msg("Dropping duplicate utterance")
		return
	}
	c.lastText = norm
	c.lastAt = now

	observability.RecordUtterance(trigger)
	c.logger.Info().Str("text", text).Str("trigger", trigger).Msg("Utterance committed")
	if c.onUtterance != nil {
		c.onUtterance(Utterance{Text: text, Final: true, Confidence: confidence, Timestamp: at})
	}
}

// runSink forwards one run's engine events onto the timeline
type runSink struct {
	c   *Controller
	gen uint64
}

func (s *runSink) Interim(text string) {
	s.c.sched.Post(func() { s.c.handleInterim(s.gen, text) })
}

func (s *runSink) Final(text string, confidence float64) {
	s.c.sched.Post(func() { s.c.handleFinal(s.gen, text, confidence) })
}

func (s *runSink) Error(code ErrorCode) {
	s.c.sched.Post(func() { s.c.handleError(s.gen, code) })
}

func (s *runSink) End() {
	s.c.sched.Post(func() { s.c.handleEnd(s.gen) })
}
