package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/agent"
	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/capture"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/delivery"
	"github.com/lexiqai/voice-session/internal/gateway"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/prefs"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/synthesis"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/lexiqai/voice-session/internal/voice"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("delivery_url", cfg.DeliveryBaseURL).
		Str("delivery_transport", cfg.DeliveryTransport).
		Str("agent_transport", cfg.AgentTransport).
		Str("tts_backend", cfg.TTSBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Session Service starting")

	store, err := prefs.Open(context.Background(), cfg.PrefsPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PrefsPath).Msg("Failed to open preference store")
	}
	defer store.Close()

	if cfg.NATSEmbedded {
		ns, err := delivery.StartEmbedded("127.0.0.1", cfg.NATSEmbeddedPort, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer ns.Shutdown()
		cfg.NATSURL = ns.ClientURL()
	}

	breaker := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout))
	}

	sender, closeSender, agentCheck, err := buildSender(cfg, breaker("agent"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create agent sender")
	}
	defer closeSender()

	opts := gateway.Options{
		Capture:           capture.DefaultConfig(),
		Synthesis:         synthesisConfig(cfg),
		Delivery:          deliveryConfig(cfg),
		Voice:             voiceConfig(cfg),
		Poll:              delivery.NewHTTPPoller(cfg.DeliveryBaseURL, cfg.DeliveryAPIKey, 10*time.Second),
		Sender:            sender,
		Prefs:             store,
		ClientFormat:      cfg.TTSClientFormat,
		CaptureSampleRate: cfg.CaptureSampleRate,
	}

	switch cfg.DeliveryTransport {
	case "nats":
		opts.Push = delivery.NewNATSPush(cfg.NATSURL, logger)
	default:
		opts.Push = delivery.NewWSPush(cfg.DeliveryBaseURL, cfg.DeliveryAPIKey, logger)
	}

	if cfg.RemoteTTSURL != "" {
		opts.Remote = tts.NewHTTPSynthesizer(tts.HTTPConfig{
			URL:     cfg.RemoteTTSURL,
			APIKey:  cfg.RemoteTTSAPIKey,
			Engine:  cfg.RemoteTTSEngine,
			Timeout: config.Seconds(cfg.RemoteTTSTimeout),
		}, breaker("remote_tts"), logger)
	}

	if cfg.LocalTTSMode == "exec" {
		speaker, err := tts.NewExecSpeaker(cfg.LocalTTSCommand, cfg.TTSLanguage, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create local speech command")
		}
		opts.Speaker = speaker
	}

	soundscape := audio.DefaultSoundscapeConfig()
	opts.Soundscape = &soundscape

	// One breaker across sessions so a Deepgram outage is seen by every client
	sttBreaker := breaker("deepgram")
	engineCfg := stt.DefaultEngineConfig()
	engineCfg.APIKey = cfg.DeepgramAPIKey
	engineCfg.Model = cfg.DeepgramModel
	engineCfg.Language = cfg.DeepgramLanguage
	engineCfg.SampleRate = cfg.CaptureSampleRate
	engineCfg.NoSpeechTimeout = config.Millis(cfg.CaptureNoSpeechMs)
	engineCfg.PreRollBytes = cfg.CapturePrerollBytes
	engineCfg.VAD.EnergyThreshold = cfg.VADEnergyThreshold
	engineCfg.VAD.SilenceFrames = cfg.VADSilenceFrames
	engineCfg.Breaker = sttBreaker
	opts.NewEngine = func(l zerolog.Logger) gateway.Engine {
		return stt.NewDeepgramEngine(engineCfg, l)
	}
	if cfg.DeepgramAPIKey == "" {
		logger.Warn().Msg("DEEPGRAM_API_KEY not set, voice capture will be reported unsupported")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Voice client WebSocket
	mux.HandleFunc("/ws", gateway.Handler(opts))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	checks := map[string]observability.HealthCheckFunc{
		"prefs": func(ctx context.Context) (bool, error) {
			if _, err := store.List(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}
	if agentCheck != nil {
		checks["agent"] = agentCheck
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Connections are long-lived WebSockets, so only the header read is bounded
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws?channel=<id>", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// buildSender picks the agent transport. The returned check is nil when the
// transport has no cheap health probe.
func buildSender(cfg *config.Config, cb *resilience.CircuitBreaker, logger zerolog.Logger) (agent.Sender, func(), observability.HealthCheckFunc, error) {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = config.Millis(cfg.RetryInitialBackoff)

	acfg := agent.Config{
		SelfID:  cfg.SelfID,
		Timeout: config.Seconds(cfg.AgentTimeout),
		Retry:   retry,
		Breaker: cb,
	}

	if cfg.AgentTransport == "grpc" {
		s, err := agent.NewGRPCSender(cfg.AgentGRPCAddr, acfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := s.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close agent connection")
			}
		}
		return s, closeFn, s.HealthCheck, nil
	}
	return agent.NewHTTPSender(cfg.AgentURL, cfg.AgentAPIKey, acfg, logger), func() {}, nil, nil
}

func synthesisConfig(cfg *config.Config) synthesis.Config {
	c := synthesis.DefaultConfig()
	c.Backend = synthesis.ParseBackend(cfg.TTSBackend)
	c.RateMultiplier = cfg.TTSRateMultiplier
	c.Lang = cfg.TTSLanguage
	c.PreloadLongform = cfg.TTSPreloadLongform
	return c
}

func deliveryConfig(cfg *config.Config) delivery.Config {
	c := delivery.DefaultConfig()
	c.SelfID = cfg.SelfID
	c.FailureThreshold = cfg.DeliveryFailureThreshold
	c.InitialBackoff = config.Millis(cfg.ReconnectBackoff)
	c.MaxBackoff = config.Millis(cfg.ReconnectMaxBackoff)
	c.PollInterval = config.Millis(cfg.DeliveryPollInterval)
	c.PollLimit = cfg.DeliveryPollLimit
	c.RepromoteAfter = config.Seconds(cfg.DeliveryRepromoteAfter)
	return c
}

func voiceConfig(cfg *config.Config) voice.Config {
	c := voice.DefaultConfig()
	c.ReplyTimeout = config.Seconds(cfg.ReplyTimeout)
	c.NoReplyThreshold = cfg.NoReplyThreshold
	c.CommandCooldown = config.Millis(cfg.CommandCooldownMs)
	c.SendTimeout = config.Seconds(cfg.AgentTimeout)
	c.Prefs.Backend = cfg.TTSBackend
	c.Prefs.Rate = cfg.TTSRateMultiplier
	return c
}
