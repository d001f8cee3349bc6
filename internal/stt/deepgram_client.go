// Package stt adapts Deepgram live transcription to the capture engine contract.
package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
)

var errStoppedWhileConnecting = errors.New("deepgram run stopped while connecting")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	engine *DeepgramEngine
	run    *run
}

// Message forwards transcription results of the run it was created for
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.engine.handleMessage(m.run, message)
	return nil
}

// Error ends the run as a network failure
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.engine.handleError(m.run, errorResponse)
	return nil
}

// run is one Start..Stop span of the engine
type run struct {
	id    uint64
	sink  capture.Sink
	conn  stream
	vad   *audio.VADDetector
	heard bool
	timer *time.Timer
	done  bool
}

// DeepgramEngine implements capture.Engine over Deepgram's streaming API.
// Audio arrives through Feed from whoever owns the microphone.
type DeepgramEngine struct {
	cfg     EngineConfig
	dial    dialFunc
	breaker *resilience.CircuitBreaker
	preroll *audio.PreRoll
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	seq uint64
	cur *run
}

// NewDeepgramEngine creates an engine. It is unsupported when cfg has no API key.
func NewDeepgramEngine(cfg EngineConfig, logger zerolog.Logger) *DeepgramEngine {
	e := newEngine(cfg, logger)
	e.dial = e.dialDeepgram
	return e
}

func newEngine(cfg EngineConfig, logger zerolog.Logger) *DeepgramEngine {
	def := DefaultEngineConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.NoSpeechTimeout <= 0 {
		cfg.NoSpeechTimeout = def.NoSpeechTimeout
	}
	if cfg.PreRollBytes <= 0 {
		cfg.PreRollBytes = def.PreRollBytes
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = def.Reconnect
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramEngine{
		cfg:     cfg,
		breaker: breaker,
		preroll: audio.NewPreRoll(cfg.PreRollBytes),
		logger:  logger.With().Str("component", "stt").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Supported reports whether an API key is configured
func (e *DeepgramEngine) Supported() bool {
	return e.cfg.APIKey != ""
}

// dialDeepgram opens a live transcription stream
func (e *DeepgramEngine) dialDeepgram(ctx context.Context, cb msginterfaces.LiveMessageCallback) (stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       e.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     e.cfg.SampleRate,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, e.cfg.APIKey, nil, tOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, resilience.NewRetryableError(errors.New("deepgram connect failed"))
	}
	return client, nil
}

// Start connects a new run that reports to sink. Audio fed while connecting is
// flushed from the pre-roll once the stream is open.
func (e *DeepgramEngine) Start(sink capture.Sink) error {
	if !e.Supported() {
		return capture.ErrUnsupported
	}

	e.mu.Lock()
	e.seq++
	r := &run{id: e.seq, sink: sink, vad: audio.NewVADDetector(e.cfg.VAD)}
	prev := e.cur
	e.cur = r
	var prevConn stream
	if prev != nil {
		prevConn = e.detach(prev)
	}
	e.mu.Unlock()
	if prevConn != nil {
		prevConn.Finish()
	}

	var conn stream
	err := e.breaker.Call(func() error {
		return resilience.Reconnect(e.ctx, func() error {
			cb := &messageCallbackHandler{
				DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
				engine:                 e,
				run:                    r,
			}
			c, err := e.dial(e.ctx, cb)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, e.cfg.Reconnect, e.logger)
	})
	observability.UpdateCircuitBreakerState("deepgram", int(e.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		e.mu.Lock()
		if e.cur == r {
			e.cur = nil
		}
		e.mu.Unlock()
		return fmt.Errorf("start deepgram stream: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.done || e.cur != r {
		go conn.Finish()
		return errStoppedWhileConnecting
	}
	r.conn = conn
	r.timer = time.AfterFunc(e.cfg.NoSpeechTimeout, func() { e.noSpeech(r) })
	if pending := e.preroll.Drain(); len(pending) > 0 {
		e.send(r, pending)
	}

	e.logger.Info().
		Uint64("run", r.id).
		Str("model", e.cfg.Model).
		Str("language", e.cfg.Language).
		Msg("Deepgram streaming run started")
	return nil
}

// Feed passes microphone PCM to the live run, or to the pre-roll when none is open
func (e *DeepgramEngine) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.cur
	if r == nil || r.conn == nil || r.done {
		e.preroll.Write(pcm)
		return
	}
	e.send(r, pcm)
}

// send writes pcm to r's stream. e.mu must be held.
func (e *DeepgramEngine) send(r *run, pcm []byte) {
	if !r.heard {
		if samples, err := audio.BytesToSamples(pcm); err == nil {
			for _, a := range r.vad.Process(samples) {
				if a == audio.SpeechStart {
					r.heard = true
					r.timer.Stop()
					break
				}
			}
		}
	}

	err := e.breaker.Call(func() error {
		_, err := r.conn.Write(pcm)
		return err
	})
	if err == nil {
		return
	}

	e.logger.Error().Err(err).Uint64("run", r.id).Msg("Error sending audio to Deepgram")
	observability.UpdateCircuitBreakerState("deepgram", int(e.breaker.GetState()))
	observability.IncrementCircuitBreakerFailures("deepgram")
	conn := e.detach(r)
	go conn.Finish()
	r.sink.Error(capture.ErrNetwork)
}

// Stop ends the current run without reporting to its sink
func (e *DeepgramEngine) Stop() error {
	e.mu.Lock()
	r := e.cur
	if r == nil {
		e.mu.Unlock()
		return nil
	}
	conn := e.detach(r)
	e.mu.Unlock()

	if conn != nil {
		conn.Finish()
	}
	e.logger.Debug().Uint64("run", r.id).Msg("Deepgram streaming run stopped")
	return nil
}

// Close stops the current run and any reconnection in progress
func (e *DeepgramEngine) Close() error {
	e.cancel()
	return e.Stop()
}

// detach marks r finished and returns its stream for the caller to finish.
// e.mu must be held.
func (e *DeepgramEngine) detach(r *run) stream {
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
	}
	if e.cur == r {
		e.cur = nil
	}
	conn := r.conn
	r.conn = nil
	return conn
}

// live reports whether r is still the open run
func (e *DeepgramEngine) live(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur == r && !r.done
}

func (e *DeepgramEngine) noSpeech(r *run) {
	e.mu.Lock()
	if e.cur != r || r.done || r.heard {
		e.mu.Unlock()
		return
	}
	conn := e.detach(r)
	e.mu.Unlock()

	if conn != nil {
		conn.Finish()
	}
	e.logger.Debug().Uint64("run", r.id).Msg("No speech detected, ending run")
	r.sink.Error(capture.ErrNoSpeech)
}

// handleMessage processes messages from Deepgram
func (e *DeepgramEngine) handleMessage(r *run, msg *msginterfaces.MessageResponse) {
	if msg == nil || !e.live(r) {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}
		if msg.IsFinal {
			e.logger.Debug().
				Str("text", alt.Transcript).
				Float64("confidence", alt.Confidence).
				Msg("Deepgram final transcription")
			r.sink.Final(alt.Transcript, alt.Confidence)
			return
		}
		r.sink.Interim(alt.Transcript)

	default:
		e.logger.Debug().Str("type", msg.Type).Msg("Deepgram message ignored")
	}
}

func (e *DeepgramEngine) handleError(r *run, er *msginterfaces.ErrorResponse) {
	e.mu.Lock()
	if e.cur != r || r.done {
		e.mu.Unlock()
		return
	}
	conn := e.detach(r)
	e.mu.Unlock()

	e.logger.Warn().Interface("error", er).Uint64("run", r.id).Msg("Deepgram error")
	e.breaker.RecordResult(false)
	observability.UpdateCircuitBreakerState("deepgram", int(e.breaker.GetState()))
	observability.IncrementCircuitBreakerFailures("deepgram")

	if conn != nil {
		go conn.Finish()
	}
	r.sink.Error(capture.ErrNetwork)
}
