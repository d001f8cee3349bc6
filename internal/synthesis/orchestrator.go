package synthesis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/rs/zerolog"
)

const (
	busyBackoff      = 250 * time.Millisecond
	transientBackoff = 400 * time.Millisecond
	transientRetries = 2
)

var busyRetries = map[Style]int{
	General:   3,
	Brief:     1,
	Narrative: 4,
	Longform:  6,
}

var (
	errNoLocal  = errors.New("local speech backend unavailable")
	errNoRemote = errors.New("remote speech backend unavailable")
)

// session is one Speak call. Every callback checks it is still live before acting.
type session struct {
	id         uint64
	planID     uint64
	style      Style
	chunks     []Chunk
	next       int
	backend    Backend
	preloading bool
	fellBack   bool
	done       bool

	ctx    context.Context
	cancel context.CancelFunc
	onDone func(Result)

	watchdog loop.Timer
	wait     loop.Timer
}

// plan is the most recent chunk plan, kept so playback can restart from an index
type plan struct {
	id      uint64
	style   Style
	chunks  []Chunk
	backend Backend
}

// Orchestrator speaks text as a sequence of chunks on one of two backends.
// All methods must be called on the scheduler's timeline.
type Orchestrator struct {
	sched  loop.Scheduler
	b      Backends
	cfg    Config
	store  *AudioStore
	logger zerolog.Logger

	onNotice func(Notice, bool)
	onChunk  func(uint64, Chunk)

	seq       uint64
	cur       *session
	last      *plan
	resumeAt  int
	canResume bool

	lastStyle Style
	lastAt    time.Time

	noticeSeq uint64
	notice    *Notice
}

// New creates an orchestrator over the given backends
func New(sched loop.Scheduler, b Backends, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.RateMultiplier == 0 {
		cfg.RateMultiplier = 1
	}
	return &Orchestrator{
		sched:  sched,
		b:      b,
		cfg:    cfg,
		store:  NewAudioStore(32 << 20),
		logger: logger.With().Str("component", "synthesis").Logger(),
	}
}

// OnNotice sets the callback fired when a notice is raised (true) or dismissed (false)
func (o *Orchestrator) OnNotice(fn func(n Notice, active bool)) { o.onNotice = fn }

// OnChunk sets the callback fired as each chunk starts playing
func (o *Orchestrator) OnChunk(fn func(sessionID uint64, c Chunk)) { o.onChunk = fn }

// SetBackend selects the backend for sessions started from now on
func (o *Orchestrator) SetBackend(b Backend) { o.cfg.Backend = b }

// Backend returns the configured backend
func (o *Orchestrator) Backend() Backend { return o.cfg.Backend }

// SetRateMultiplier sets the global speaking-rate multiplier for new sessions
func (o *Orchestrator) SetRateMultiplier(m float64) {
	o.cfg.RateMultiplier = clamp(m, minRateMultiplier, maxRateMultiplier)
}

// RateMultiplier returns the global speaking-rate multiplier
func (o *Orchestrator) RateMultiplier() float64 { return o.cfg.RateMultiplier }

// Speaking reports whether a session is active
func (o *Orchestrator) Speaking() bool { return o.cur != nil }

// Current returns the active session's id and style
func (o *Orchestrator) Current() (uint64, Style, bool) {
	if o.cur == nil {
		return 0, "", false
	}
	return o.cur.id, o.cur.style, true
}

// ActiveNotice returns the notice currently shown, if any
func (o *Orchestrator) ActiveNotice() (Notice, bool) {
	if o.notice == nil {
		return Notice{}, false
	}
	return *o.notice, true
}

// RemoteUsable reports whether the remote backend and a player are both available
func (o *Orchestrator) RemoteUsable() bool {
	return o.b.Remote != nil && o.b.Remote.Supported() && o.b.Player != nil && o.b.Player.Supported()
}

// LocalUsable reports whether the local backend is available
func (o *Orchestrator) LocalUsable() bool {
	return o.b.Local != nil && o.b.Local.Supported()
}

// Plan classifies text and cuts it into chunks for the configured backend without speaking
func (o *Orchestrator) Plan(text string) (Style, []Chunk) {
	style, body, _ := Classify(text)
	return style, planChunks(body, style, o.backendFor(style), 0, o.cfg.RateMultiplier)
}

// PlanText is Plan for a fixed backend and multiplier
func PlanText(text string, backend Backend, multiplier float64) (Style, []Chunk) {
	style, body, _ := Classify(text)
	if style == Brief {
		backend = Local
	}
	return style, planChunks(body, style, backend, 0, multiplier)
}

// Speak cancels any active session and speaks text. onDone fires exactly once.
func (o *Orchestrator) Speak(text string, onDone func(Result)) uint64 {
	return o.speak(text, o.cfg.PreloadLongform, onDone)
}

// Preload is Speak with every chunk rendered before the first plays, when the
// session runs on the remote backend
func (o *Orchestrator) Preload(text string, onDone func(Result)) uint64 {
	return o.speak(text, true, onDone)
}

func (o *Orchestrator) speak(text string, preload bool, onDone func(Result)) uint64 {
	now := o.sched.Now()
	style, body, explicit := Classify(text)
	if !explicit && style == General && o.lastStyle != "" && o.lastStyle != General &&
		now.Sub(o.lastAt) <= o.cfg.InheritWindow {
		style = o.lastStyle
	}
	o.lastStyle, o.lastAt = style, now

	backend := o.backendFor(style)
	chunks := planChunks(body, style, backend, 0, o.cfg.RateMultiplier)

	s := o.begin(style, backend, chunks, onDone)
	s.planID = s.id
	o.store.Reset(s.planID)
	o.last = &plan{id: s.planID, style: style, chunks: chunks, backend: backend}
	o.canResume = false

	o.logger.Debug().
		Uint64("session_id", s.id).
		Str("style", string(style)).
		Str("backend", string(backend)).
		Int("chunks", len(chunks)).
		Msg("Speech session started")

	o.startAmbient(s)
	if preload && style == Longform && backend == Remote && len(chunks) > 1 {
		s.preloading = true
		o.preloadFrom(s, 0)
		return s.id
	}
	o.playNext(s)
	return s.id
}

// PlayFrom replays the most recent plan starting at chunk index, using stored
// audio where it exists
func (o *Orchestrator) PlayFrom(index int, onDone func(Result)) (uint64, bool) {
	p := o.last
	if p == nil || index < 0 || index >= len(p.chunks) {
		return 0, false
	}
	chunks := make([]Chunk, len(p.chunks))
	copy(chunks, p.chunks)

	s := o.begin(p.style, p.backend, chunks, onDone)
	s.planID = p.id
	s.next = index
	o.canResume = false
	o.startAmbient(s)
	o.playNext(s)
	return s.id, true
}

// Resume continues the most recently cancelled session from the chunk it was on
func (o *Orchestrator) Resume(onDone func(Result)) (uint64, bool) {
	if !o.canResume || o.cur != nil {
		return 0, false
	}
	return o.PlayFrom(o.resumeAt, onDone)
}

// Cancel stops the active session. Its onDone fires with Cancelled.
func (o *Orchestrator) Cancel() {
	if o.cur != nil {
		o.finish(o.cur, Cancelled, nil)
	}
}

func (o *Orchestrator) backendFor(style Style) Backend {
	if style == Brief {
		return Local
	}
	if o.cfg.Backend == Remote && o.RemoteUsable() {
		return Remote
	}
	return Local
}

func planChunks(body string, style Style, backend Backend, offset int, multiplier float64) []Chunk {
	lim := LimitsFor(style, backend)
	if offset > 0 {
		lim.First = lim.Max
	}
	presplit := offset == 0 && (style == Longform || style == Narrative)
	texts := Split(body, lim, presplit)

	total := offset + len(texts)
	chunks := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		idx := offset + i
		chunks = append(chunks, Chunk{
			Text:    t,
			Index:   idx,
			Prosody: ProsodyFor(style, idx, total, t, multiplier),
			Backend: backend,
			Pause:   PauseAfter(style, t, idx == total-1),
		})
	}
	return chunks
}

func (o *Orchestrator) begin(style Style, backend Backend, chunks []Chunk, onDone func(Result)) *session {
	if o.cur != nil {
		o.finish(o.cur, Cancelled, nil)
	}
	o.seq++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      o.seq,
		style:   style,
		chunks:  chunks,
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
		onDone:  onDone,
	}
	o.cur = s
	return s
}

func (o *Orchestrator) live(s *session) bool {
	return o.cur == s && !s.done
}

func (o *Orchestrator) startAmbient(s *session) {
	if s.style == Narrative && o.b.Ambient != nil {
		o.b.Ambient.Start()
	}
}

// speakable returns the first index at or after from whose chunk carries text
func speakable(chunks []Chunk, from int) int {
	for from < len(chunks) && strings.TrimSpace(chunks[from].Text) == "" {
		from++
	}
	return from
}

func (o *Orchestrator) playNext(s *session) {
	if !o.live(s) {
		return
	}
	s.next = speakable(s.chunks, s.next)
	if s.next >= len(s.chunks) {
		o.finish(s, Completed, nil)
		return
	}

	c := s.chunks[s.next]
	if audio, ok := o.store.Get(s.planID, c.Index); ok && o.b.Player != nil {
		o.play(s, c, audio)
		return
	}
	if c.Backend == Remote {
		if !o.RemoteUsable() {
			o.fallback(s, s.next, errNoRemote)
			return
		}
		o.synthesize(s, s.next, 0, 0)
		return
	}
	o.speakLocal(s, c)
}

func (o *Orchestrator) speakLocal(s *session, c Chunk) {
	if !o.LocalUsable() {
		o.fail(s, errNoLocal, "No speech backend is available")
		return
	}
	o.startChunk(s, c)

	ctx, started := s.ctx, o.sched.Now()
	u := tts.Utterance{Text: c.Text, Lang: o.cfg.Lang, Prosody: c.Prosody}
	o.sched.Go(func() {
		err := o.b.Local.Speak(ctx, u)
		o.sched.Post(func() { o.chunkDone(s, c, started, err) })
	})
}

func (o *Orchestrator) play(s *session, c Chunk, audio *tts.Audio) {
	o.startChunk(s, c)

	ctx, started := s.ctx, o.sched.Now()
	o.sched.Go(func() {
		err := o.b.Player.Play(ctx, audio)
		o.sched.Post(func() { o.chunkDone(s, c, started, err) })
	})
}

func (o *Orchestrator) startChunk(s *session, c Chunk) {
	d := WatchdogFor(s.style, c.Text, c.Prosody.Rate, o.cfg.WatchdogBase, o.cfg.WatchdogPerRune)
	s.watchdog = o.sched.AfterFunc(d, func() {
		if !o.live(s) || s.next != c.Index {
			return
		}
		o.logger.Warn().
			Uint64("session_id", s.id).
			Int("chunk", c.Index).
			Dur("timeout", d).
			Msg("Chunk playback timed out")
		o.raise(s, NoticeTimeout, "Speech playback stalled and was stopped")
		o.finish(s, Failed, ErrChunkTimeout)
	})
	if o.onChunk != nil {
		o.onChunk(s.id, c)
	}
}

func (o *Orchestrator) chunkDone(s *session, c Chunk, started time.Time, err error) {
	if !o.live(s) || s.next != c.Index {
		return
	}
	loop.StopTimer(s.watchdog)

	if err != nil {
		if c.Backend == Remote && o.LocalUsable() {
			o.fallback(s, c.Index, err)
			return
		}
		o.fail(s, err, "Speech playback failed")
		return
	}

	observability.RecordSynthesisChunk(string(c.Backend), o.sched.Now().Sub(started))
	s.next++
	if c.Pause > 0 && speakable(s.chunks, s.next) < len(s.chunks) {
		s.wait = o.sched.AfterFunc(c.Pause, func() { o.playNext(s) })
		return
	}
	o.playNext(s)
}

func (o *Orchestrator) request(s *session, c Chunk) tts.Request {
	return tts.Request{
		Text:   c.Text,
		Style:  string(s.style),
		Lang:   o.cfg.Lang,
		Rate:   c.Prosody.Rate,
		Pitch:  c.Prosody.Pitch,
		Volume: c.Prosody.Volume,
	}
}

// synthesize renders chunk idx remotely; busy and transient count the retries spent
func (o *Orchestrator) synthesize(s *session, idx, busy, transient int) {
	ctx, req := s.ctx, o.request(s, s.chunks[idx])
	o.sched.Go(func() {
		audio, err := o.b.Remote.Synthesize(ctx, req)
		o.sched.Post(func() { o.synthesized(s, idx, busy, transient, audio, err) })
	})
}

func (o *Orchestrator) synthesized(s *session, idx, busy, transient int, audio *tts.Audio, err error) {
	if !o.live(s) {
		return
	}
	if err == nil {
		o.store.Put(s.planID, idx, audio)
		if s.preloading {
			o.preloadFrom(s, idx+1)
			return
		}
		o.play(s, s.chunks[idx], audio)
		return
	}

	code := tts.ErrorCode(err)
	switch {
	case code == tts.CodeBusy && busy < busyRetries[s.style]:
		busy++
		o.retry(s, idx, busy, transient, time.Duration(busy)*busyBackoff, code)
		return
	case transientError(err) && transient < transientRetries:
		transient++
		o.retry(s, idx, busy, transient, time.Duration(transient)*transientBackoff, code)
		return
	}

	o.logger.Warn().
		Err(err).
		Uint64("session_id", s.id).
		Int("chunk", idx).
		Str("code", code).
		Msg("Remote synthesis failed")
	s.preloading = false
	o.fallback(s, idx, err)
}

func (o *Orchestrator) retry(s *session, idx, busy, transient int, delay time.Duration, code string) {
	if code == "" {
		code = "network"
	}
	observability.RecordSynthesisRetry(code)
	s.wait = o.sched.AfterFunc(delay, func() {
		if o.live(s) {
			o.synthesize(s, idx, busy, transient)
		}
	})
}

func transientError(err error) bool {
	switch tts.ErrorCode(err) {
	case tts.CodeProxyError, tts.CodeUpstreamHTTPError:
		return !errors.Is(err, resilience.ErrCircuitOpen)
	case "":
		return resilience.IsRetryableNetworkError(err)
	}
	return false
}

// preloadFrom renders chunks from idx on; playback starts once all are stored
func (o *Orchestrator) preloadFrom(s *session, idx int) {
	idx = speakable(s.chunks, idx)
	if idx < len(s.chunks) {
		o.synthesize(s, idx, 0, 0)
		return
	}
	s.preloading = false
	o.playNext(s)
}

// fallback re-plans the session from chunk idx onto the local backend for good
func (o *Orchestrator) fallback(s *session, idx int, cause error) {
	if !o.LocalUsable() {
		o.fail(s, cause, "Remote voice is unavailable")
		return
	}

	var rest strings.Builder
	for _, c := range s.chunks[idx:] {
		rest.WriteString(c.Text)
	}
	s.chunks = append(s.chunks[:idx:idx], planChunks(rest.String(), s.style, Local, idx, o.cfg.RateMultiplier)...)
	s.backend = Local
	if s.next > idx {
		s.next = idx
	}
	if o.last != nil && o.last.id == s.planID {
		o.last.chunks = s.chunks
		o.last.backend = Local
	}

	if !s.fellBack {
		s.fellBack = true
		observability.RecordSynthesisFallback()
		o.logger.Info().
			Err(cause).
			Uint64("session_id", s.id).
			Int("chunk", idx).
			Msg("Falling back to local speech")
		o.raise(s, NoticeFallback, "Remote voice unavailable, switched to local voice")
	}
	o.playNext(s)
}

func (o *Orchestrator) fail(s *session, err error, message string) {
	o.raise(s, NoticeFailed, message)
	o.finish(s, Failed, err)
}

func (o *Orchestrator) finish(s *session, outcome Outcome, err error) {
	if s.done {
		return
	}
	s.done = true
	s.cancel()
	loop.StopTimer(s.watchdog)
	loop.StopTimer(s.wait)
	if o.cur == s {
		o.cur = nil
	}
	if s.style == Narrative && o.b.Ambient != nil {
		o.b.Ambient.Stop()
	}
	if outcome == Cancelled && s.next < len(s.chunks) && o.last != nil && o.last.id == s.planID {
		o.resumeAt, o.canResume = s.next, true
	}
	o.lastAt = o.sched.Now()

	observability.RecordSynthesisSession(string(s.style), string(outcome))
	o.logger.Debug().
		Uint64("session_id", s.id).
		Str("outcome", string(outcome)).
		Int("chunk", s.next).
		Msg("Speech session finished")

	if s.onDone != nil {
		s.onDone(Result{SessionID: s.id, Outcome: outcome, Err: err})
	}
}

// raise shows a notice that dismisses itself after the configured TTL
func (o *Orchestrator) raise(s *session, kind NoticeKind, message string) {
	o.noticeSeq++
	n := Notice{
		ID:        o.noticeSeq,
		SessionID: s.id,
		Kind:      kind,
		Message:   message,
		Expires:   o.sched.Now().Add(o.cfg.NoticeTTL),
	}
	o.notice = &n
	if o.onNotice != nil {
		o.onNotice(n, true)
	}
	o.sched.AfterFunc(o.cfg.NoticeTTL, func() {
		if o.notice == nil || o.notice.ID != n.ID {
			return
		}
		o.notice = nil
		if o.onNotice != nil {
			o.onNotice(n, false)
		}
	})
}
