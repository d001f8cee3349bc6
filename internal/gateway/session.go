// Package gateway bridges a voice client's WebSocket to one voice session.
//
// The client streams microphone PCM as binary frames and control messages as
// JSON. The server answers with mood changes, transcripts and notices, and
// hands speech back either as text for the client's own speech engine or as
// audio frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/agent"
	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/delivery"
	"github.com/lexiqai/voice-session/internal/loop"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/prefs"
	"github.com/lexiqai/voice-session/internal/synthesis"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/lexiqai/voice-session/internal/voice"
)

const (
	writeWait     = 10 * time.Second
	outboxSize    = 256
	prefsLoadWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Engine is a capture engine fed with the client's microphone audio
type Engine interface {
	capture.Engine
	Feed(pcm []byte)
	Close() error
}

// PrefStore loads and persists the shared voice preferences
type PrefStore interface {
	voice.PrefStore
	Load(ctx context.Context, def prefs.Prefs) (prefs.Prefs, error)
}

// Options configure every session the handler creates
type Options struct {
	Capture   capture.Config
	Synthesis synthesis.Config
	Delivery  delivery.Config
	Voice     voice.Config

	// NewEngine builds the capture engine of one session
	NewEngine func(logger zerolog.Logger) Engine

	Push   delivery.Pusher
	Poll   delivery.Poller
	Sender agent.Sender
	Prefs  PrefStore

	// Remote is the shared remote synthesis backend, nil when not configured
	Remote tts.Synthesizer
	// Speaker speaks on the server; nil hands local speech to the client
	Speaker tts.Speaker
	// Soundscape enables narrative ambience when non-nil
	Soundscape *audio.SoundscapeConfig

	ClientFormat      string // pcm, mulaw
	CaptureSampleRate int
}

// ClientInfo is what the client declared when connecting
type ClientInfo struct {
	ChannelID   string
	LocalSpeech bool   // the client can speak text itself
	MicFormat   string // pcm, mulaw
}

// Handler upgrades voice clients and runs one session per connection.
// Query parameters: channel (required), local_tts=0 when the client has no
// speech engine, mic=mulaw for 8 kHz μ-law microphone audio.
func Handler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		info := ClientInfo{
			ChannelID:   q.Get("channel"),
			LocalSpeech: q.Get("local_tts") != "0",
			MicFormat:   q.Get("mic"),
		}
		if info.ChannelID == "" {
			http.Error(w, "channel query parameter is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log := observability.GetLogger()
			log.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		s := NewSession(conn, info, opts)
		s.Run(context.Background())
	}
}

// outFrame is one queued write: a JSON control message or a binary frame
type outFrame struct {
	msg  *Outbound
	data []byte
}

func jsonFrame(msg Outbound) outFrame { return outFrame{msg: &msg} }

func binaryFrame(data []byte) outFrame { return outFrame{data: data} }

// Session is one connected voice client and the voice session it drives
type Session struct {
	id      string
	conn    *websocket.Conn
	info    ClientInfo
	opts    Options
	loop    *loop.Loop
	engine  Engine
	ambient *audio.Soundscape
	pending *pending

	capture *capture.Controller
	synth   *synthesis.Orchestrator
	coord   *voice.Coordinator

	out       chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewSession creates a session for an upgraded connection
func NewSession(conn *websocket.Conn, info ClientInfo, opts Options) *Session {
	id := observability.NewCorrelationID()
	logger := observability.WithSession(id, info.ChannelID)

	s := &Session{
		id:      id,
		conn:    conn,
		info:    info,
		opts:    opts,
		loop:    loop.New(),
		pending: newPending(),
		out:     make(chan outFrame, outboxSize),
		done:    make(chan struct{}),
		metrics: observability.NewSessionMetrics(id),
		logger:  logger,
	}
	if opts.NewEngine != nil {
		s.engine = opts.NewEngine(logger)
	} else {
		s.engine = unsupportedEngine{}
	}
	if opts.Soundscape != nil {
		s.ambient = audio.NewSoundscape(*opts.Soundscape, logger)
	}
	return s
}

// ID returns the session's correlation id
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until the client goes away
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := s.loadPrefs(ctx)

	go s.loop.Run(ctx)
	go s.writeLoop()
	if s.ambient != nil {
		go s.forwardAmbient()
	}

	s.loop.Call(func() { s.start(p) })
	s.logger.Info().Bool("local_speech", s.info.LocalSpeech).Msg("Voice client connected")

	s.readLoop()
	s.Close()
}

func (s *Session) loadPrefs(ctx context.Context) prefs.Prefs {
	p := s.opts.Voice.Prefs
	if p == (prefs.Prefs{}) {
		p = prefs.Defaults()
	}
	if s.opts.Prefs == nil {
		return p
	}
	ctx, cancel := context.WithTimeout(ctx, prefsLoadWait)
	defer cancel()
	loaded, err := s.opts.Prefs.Load(ctx, p)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load preferences, using defaults")
		return p
	}
	return loaded
}

// start builds the session's components. It runs on the loop.
func (s *Session) start(p prefs.Prefs) {
	vcfg := s.opts.Voice
	vcfg.ChannelID = s.info.ChannelID
	vcfg.Prefs = p
	if vcfg.Vocabulary == nil {
		vcfg.Vocabulary = voice.DefaultVocabulary()
	}

	ccfg := s.opts.Capture
	ccfg.Commands = vcfg.Vocabulary
	s.capture = capture.New(s.loop, s.engine, ccfg, s.logger)

	backends := synthesis.Backends{
		Remote: s.opts.Remote,
		Player: &ClientPlayer{s: s, format: s.opts.ClientFormat},
	}
	if s.opts.Speaker != nil && s.opts.Speaker.Supported() {
		backends.Local = s.opts.Speaker
	} else {
		backends.Local = &ClientSpeaker{s: s, supported: s.info.LocalSpeech}
	}
	if s.ambient != nil {
		backends.Ambient = s.ambient
	}
	s.synth = synthesis.New(s.loop, backends, s.opts.Synthesis, s.logger)

	channel := delivery.NewChannel(s.loop, s.opts.Push, s.opts.Poll, s.opts.Delivery, s.logger)
	s.coord = voice.New(s.loop, voice.Deps{
		Capture: s.capture,
		Synth:   s.synth,
		Channel: channel,
		Sender:  s.opts.Sender,
		Prefs:   s.opts.Prefs,
	}, vcfg, s.logger)

	s.coord.OnMood(func(m voice.Mood) {
		s.trySend(Outbound{Type: TypeMood, Mood: string(m)})
	})
	s.coord.OnMessage(func(e delivery.Event) {
		s.trySend(Outbound{Type: TypeMessage, MessageID: e.ID, Text: e.Text, Origin: string(e.Origin)})
	})
	s.coord.OnDegraded(func(degraded bool) {
		s.trySend(Outbound{Type: TypeDegraded, Degraded: boolPtr(degraded)})
	})
	s.coord.OnSendError(func(err error) {
		s.trySend(Outbound{Type: TypeError, Text: err.Error()})
	})
	s.capture.OnPartial(func(u capture.Utterance) {
		s.trySend(Outbound{Type: TypePartial, Text: u.Text})
	})
	s.synth.OnNotice(func(n synthesis.Notice, active bool) {
		s.trySend(Outbound{Type: TypeNotice, ID: uint32(n.ID), Kind: string(n.Kind), Text: n.Message, Active: boolPtr(active)})
	})

	s.trySend(Outbound{Type: TypeReady, Session: s.id, Channel: s.info.ChannelID, Mood: string(s.coord.Mood())})
	s.coord.Start()
}

// readLoop handles all incoming WebSocket messages from the client
func (s *Session) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			var msg Inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error().Err(err).Msg("Failed to parse client message")
				continue
			}
			s.handleControl(msg)
		}
	}
}

func (s *Session) handleAudio(data []byte) {
	s.metrics.RecordAudioBytes("in", int64(len(data)))
	if s.info.MicFormat == "mulaw" {
		pcm, err := audio.MulawToPCM(data)
		if err != nil {
			return
		}
		if rate := s.opts.CaptureSampleRate; rate > 0 && rate != 8000 {
			samples, _ := audio.BytesToSamples(pcm)
			pcm = audio.SamplesToBytes(audio.Resample(samples, 8000, rate))
		}
		data = pcm
	}
	s.engine.Feed(data)
}

func (s *Session) handleControl(msg Inbound) {
	switch msg.Type {
	case TypeSpoken, TypePlayed:
		if !s.pending.resolve(msg.ID, nil) {
			s.logger.Debug().Uint32("id", msg.ID).Str("type", msg.Type).Msg("Completion for unknown playback")
		}

	case TypeSpeakError:
		s.pending.resolve(msg.ID, errors.New(msg.Error))

	case TypeStartListening:
		s.loop.Post(func() {
			if err := s.coord.StartListening(); err != nil {
				s.trySend(Outbound{Type: TypeError, Text: err.Error()})
			}
		})

	case TypeStopListening:
		s.loop.Post(s.coord.StopListening)

	case TypeSay:
		text := msg.Text
		s.loop.Post(func() { s.coord.Say(text) })

	case TypeStopSpeaking:
		s.loop.Post(s.coord.StopSpeaking)

	case TypeSetEnabled:
		enabled := msg.Enabled
		s.loop.Post(func() { s.coord.SetEnabled(enabled) })

	case TypeSnapshot:
		s.loop.Post(func() {
			s.trySend(Outbound{Type: TypeState, State: s.coord.Snapshot()})
		})

	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
	}
}

// writeLoop is the connection's only writer
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if f.msg != nil {
				err = s.conn.WriteJSON(f.msg)
			} else {
				err = s.conn.WriteMessage(websocket.BinaryMessage, f.data)
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("WebSocket write failed")
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// forwardAmbient relays soundscape frames, dropping them when the outbox is full
func (s *Session) forwardAmbient() {
	for {
		select {
		case pcm := <-s.ambient.Frames():
			select {
			case s.out <- binaryFrame(EncodeAmbientFrame(pcm)):
			default:
			}
		case <-s.done:
			return
		}
	}
}

// trySend queues msg without blocking. Loop callbacks use it.
func (s *Session) trySend(msg Outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- jsonFrame(msg):
		return true
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Client outbox full, dropping message")
		return false
	}
}

// enqueue queues f, waiting for room until ctx is done or the session closes
func (s *Session) enqueue(ctx context.Context, f outFrame) error {
	select {
	case s.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close ends the voice session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Call(func() {
			if s.coord != nil {
				s.coord.Close()
			}
		})
		s.pending.closeAll()
		if err := s.engine.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing capture engine")
		}
		if s.ambient != nil {
			s.ambient.Stop()
		}
		s.loop.Close()
		close(s.done)
		s.logger.Info().Msg("Voice client disconnected")
	})
}

// unsupportedEngine stands in when no capture engine is configured
type unsupportedEngine struct{}

func (unsupportedEngine) Start(capture.Sink) error { return capture.ErrUnsupported }
func (unsupportedEngine) Stop() error              { return nil }
func (unsupportedEngine) Supported() bool          { return false }
func (unsupportedEngine) Feed([]byte)              {}
func (unsupportedEngine) Close() error             { return nil }
