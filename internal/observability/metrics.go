package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Voice session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active",
		Help: "Number of connected voice clients",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_total",
		Help: "Total number of voice client sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of voice client sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	moodGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_mood",
		Help: "Sessions currently in each mood",
	}, []string{"mood"})

	healthDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_health_degraded_total",
		Help: "Times the no-reply threshold was reached",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_commands_total",
		Help: "Local voice commands handled",
	}, []string{"command"})

	// Capture metrics
	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_utterances_total",
		Help: "Utterances emitted by the capture controller",
	}, []string{"trigger"}) // trigger: final, silence, eager

	captureRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_restarts_total",
		Help: "Capture run restarts",
	}, []string{"reason"})

	// Synthesis metrics
	synthesisSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_synthesis_sessions_total",
		Help: "Synthesis sessions by style and outcome",
	}, []string{"style", "outcome"})

	synthesisChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_synthesis_chunks_total",
		Help: "Chunks played by backend",
	}, []string{"backend"})

	synthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_synthesis_latency_seconds",
		Help:    "Backend synthesis latency per chunk in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"backend"})

	synthesisRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_synthesis_retries_total",
		Help: "Remote synthesis retries by error code",
	}, []string{"code"})

	synthesisFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_synthesis_fallbacks_total",
		Help: "Sessions that fell back from the remote to the local backend",
	})

	// Delivery metrics
	deliveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_delivery_events_total",
		Help: "Delivery events by transport and result",
	}, []string{"transport", "result"}) // result: delivered, duplicate, stale

	deliveryMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_delivery_mode",
		Help: "Subscriptions currently in each channel mode",
	}, []string{"mode"})

	deliveryDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_delivery_downgrades_total",
		Help: "Push subscriptions downgraded to polling",
	})

	// Agent metrics
	agentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_requests_total",
		Help: "Outbound sends to the agent",
	}, []string{"status"})

	agentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_latency_seconds",
		Help:    "Outbound send latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single voice client session
type Metrics struct {
	sessionID  string
	startTime  time.Time
	agentStart time.Time
	mood       string
	mu         sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session and releases its mood gauge
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mood != "" {
		moodGauge.WithLabelValues(m.mood).Dec()
		m.mood = ""
	}
}

// RecordMood moves this session between mood gauges
func (m *Metrics) RecordMood(mood string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mood == mood {
		return
	}
	if m.mood != "" {
		moodGauge.WithLabelValues(m.mood).Dec()
	}
	moodGauge.WithLabelValues(mood).Inc()
	m.mood = mood
}

// RecordAgentStart records the start of an outbound send
func (m *Metrics) RecordAgentStart() {
	m.mu.Lock()
	m.agentStart = time.Now()
	m.mu.Unlock()
}

// RecordAgentEnd records the end of an outbound send
func (m *Metrics) RecordAgentEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.agentStart.IsZero() {
		agentLatency.Observe(time.Since(m.agentStart).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	agentRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordHealthDegraded counts a no-reply threshold crossing
func RecordHealthDegraded() {
	healthDegraded.Inc()
}

// RecordCommand counts a handled local voice command
func RecordCommand(command string) {
	commandsTotal.WithLabelValues(command).Inc()
}

// RecordUtterance counts an emitted utterance by what committed it
func RecordUtterance(trigger string) {
	utterancesTotal.WithLabelValues(trigger).Inc()
}

// RecordCaptureRestart counts a capture run restart
func RecordCaptureRestart(reason string) {
	captureRestarts.WithLabelValues(reason).Inc()
}

// RecordSynthesisSession counts a finished synthesis session
func RecordSynthesisSession(style, outcome string) {
	synthesisSessions.WithLabelValues(style, outcome).Inc()
}

// RecordSynthesisChunk records one synthesized chunk and its latency
func RecordSynthesisChunk(backend string, latency time.Duration) {
	synthesisChunks.WithLabelValues(backend).Inc()
	synthesisLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// RecordSynthesisRetry counts a remote retry
func RecordSynthesisRetry(code string) {
	synthesisRetries.WithLabelValues(code).Inc()
}

// RecordSynthesisFallback counts a remote to local fallback
func RecordSynthesisFallback() {
	synthesisFallbacks.Inc()
}

// RecordDeliveryEvent counts a delivery event outcome
func RecordDeliveryEvent(transport, result string) {
	deliveryEvents.WithLabelValues(transport, result).Inc()
}

// RecordDeliveryMode moves a subscription between mode gauges. from may be empty.
func RecordDeliveryMode(from, to string) {
	if from != "" {
		deliveryMode.WithLabelValues(from).Dec()
	}
	if to != "" {
		deliveryMode.WithLabelValues(to).Inc()
	}
}

// RecordDeliveryDowngrade counts a push to poll downgrade
func RecordDeliveryDowngrade() {
	deliveryDowngrades.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
