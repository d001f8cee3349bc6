package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram streaming capture engine. Capture is reported unsupported when the key is empty.
	DeepgramAPIKey      string  `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel       string  `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage    string  `envconfig:"DEEPGRAM_LANGUAGE" default:"zh-CN"`
	CaptureSampleRate   int     `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`      // Hz, PCM16 mono from the client
	CaptureNoSpeechMs   int     `envconfig:"CAPTURE_NO_SPEECH_TIMEOUT" default:"8000"` // milliseconds
	CapturePrerollBytes int     `envconfig:"CAPTURE_PREROLL_BYTES" default:"64000"`
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Synthesis backends
	TTSBackend         string  `envconfig:"TTS_BACKEND" default:"local"`      // local, remote
	LocalTTSMode       string  `envconfig:"LOCAL_TTS_MODE" default:"client"`  // client, exec
	LocalTTSCommand    string  `envconfig:"LOCAL_TTS_COMMAND" default:"espeak-ng -s {rate} -p {pitch} -a {volume} -v {lang} {text}"`
	RemoteTTSURL       string  `envconfig:"REMOTE_TTS_URL" default:""`
	RemoteTTSAPIKey    string  `envconfig:"REMOTE_TTS_API_KEY" default:""`
	RemoteTTSEngine    string  `envconfig:"REMOTE_TTS_ENGINE" default:"neural"`
	RemoteTTSTimeout   int     `envconfig:"REMOTE_TTS_TIMEOUT" default:"20"` // seconds
	TTSLanguage        string  `envconfig:"TTS_LANGUAGE" default:"zh-CN"`
	TTSRateMultiplier  float64 `envconfig:"TTS_RATE_MULTIPLIER" default:"1.0"`
	TTSPreloadLongform bool    `envconfig:"TTS_PRELOAD_LONGFORM" default:"true"`
	TTSClientFormat    string  `envconfig:"TTS_CLIENT_FORMAT" default:"pcm"` // pcm, mulaw

	// Message delivery service
	DeliveryBaseURL          string `envconfig:"DELIVERY_BASE_URL" required:"true"`
	DeliveryAPIKey           string `envconfig:"DELIVERY_API_KEY" default:""`
	DeliveryTransport        string `envconfig:"DELIVERY_TRANSPORT" default:"ws"` // ws, nats
	NATSURL                  string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSEmbedded             bool   `envconfig:"NATS_EMBEDDED" default:"false"` // run an in-process server and point NATS_URL at it
	NATSEmbeddedPort         int    `envconfig:"NATS_EMBEDDED_PORT" default:"4222"`
	DeliveryFailureThreshold int    `envconfig:"DELIVERY_FAILURE_THRESHOLD" default:"5"`
	DeliveryPollInterval     int    `envconfig:"DELIVERY_POLL_INTERVAL" default:"3000"` // milliseconds
	DeliveryPollLimit        int    `envconfig:"DELIVERY_POLL_LIMIT" default:"50"`
	DeliveryRepromoteAfter   int    `envconfig:"DELIVERY_REPROMOTE_AFTER" default:"0"` // seconds, 0 keeps polling for the subscription lifetime
	SelfID                   string `envconfig:"VOICE_SELF_ID" default:"voice"`        // author id of messages this service sends

	// Outbound send API
	AgentTransport string `envconfig:"AGENT_TRANSPORT" default:"http"` // http, grpc
	AgentURL       string `envconfig:"AGENT_URL" default:""`
	AgentAPIKey    string `envconfig:"AGENT_API_KEY" default:""`
	AgentGRPCAddr  string `envconfig:"AGENT_GRPC_ADDR" default:"localhost:50051"`
	AgentTimeout   int    `envconfig:"AGENT_TIMEOUT" default:"30"` // seconds

	// Turn-taking
	ReplyTimeout      int `envconfig:"REPLY_TIMEOUT" default:"20"` // seconds
	NoReplyThreshold  int `envconfig:"NO_REPLY_THRESHOLD" default:"3"`
	CommandCooldownMs int `envconfig:"COMMAND_COOLDOWN" default:"1500"`

	// Preference store
	PrefsPath string `envconfig:"PREFS_PATH" default:"./data/prefs.db"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Send attempts for the agent API
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Push reconnect backoff in milliseconds
	ReconnectMaxBackoff        int `envconfig:"RECONNECT_MAX_BACKOFF" default:"30000"`      // Push reconnect backoff cap in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	switch c.TTSBackend {
	case "local":
	case "remote":
		if c.RemoteTTSURL == "" {
			return fmt.Errorf("REMOTE_TTS_URL is required when TTS_BACKEND=remote")
		}
	default:
		return fmt.Errorf("unknown TTS_BACKEND %q", c.TTSBackend)
	}

	if c.LocalTTSMode != "client" && c.LocalTTSMode != "exec" {
		return fmt.Errorf("unknown LOCAL_TTS_MODE %q", c.LocalTTSMode)
	}

	switch c.DeliveryTransport {
	case "ws", "nats":
	default:
		return fmt.Errorf("unknown DELIVERY_TRANSPORT %q", c.DeliveryTransport)
	}

	switch c.AgentTransport {
	case "http":
		if c.AgentURL == "" {
			return fmt.Errorf("AGENT_URL is required when AGENT_TRANSPORT=http")
		}
	case "grpc":
		if c.AgentGRPCAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR is required when AGENT_TRANSPORT=grpc")
		}
	default:
		return fmt.Errorf("unknown AGENT_TRANSPORT %q", c.AgentTransport)
	}

	if c.SelfID == "" {
		return fmt.Errorf("VOICE_SELF_ID must not be empty")
	}

	if c.DeliveryFailureThreshold < 1 {
		return fmt.Errorf("DELIVERY_FAILURE_THRESHOLD must be at least 1")
	}
	return nil
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second setting to a duration
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
