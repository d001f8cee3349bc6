package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/rs/zerolog"
)

// HTTPConfig configures the remote synthesis backend
type HTTPConfig struct {
	URL        string
	APIKey     string
	Engine     string
	Timeout    time.Duration
	SampleRate int // assumed rate for raw PCM responses without a rate header
}

// HTTPSynthesizer implements Synthesizer against a JSON-over-HTTP speech API
type HTTPSynthesizer struct {
	cfg        HTTPConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewHTTPSynthesizer creates a remote synthesis client. breaker may be nil.
func NewHTTPSynthesizer(cfg HTTPConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *HTTPSynthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	return &HTTPSynthesizer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger.With().Str("component", "remote_tts").Logger(),
	}
}

// Supported reports whether a remote endpoint is configured
func (c *HTTPSynthesizer) Supported() bool {
	return c.cfg.URL != ""
}

// Synthesize requests audio for req. Failures are returned as *Error where the
// backend reported a code; transport failures map to upstream_http_error.
func (c *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if req.Engine == "" {
		req.Engine = c.cfg.Engine
	}

	if c.breaker == nil {
		return c.do(ctx, req)
	}

	var audio *Audio
	var callErr error
	err := c.breaker.Call(func() error {
		audio, callErr = c.do(ctx, req)
		// busy and caller cancellation do not count against the backend
		if ErrorCode(callErr) == CodeBusy || errors.Is(callErr, context.Canceled) {
			return nil
		}
		return callErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &Error{Code: CodeUpstreamHTTPError, Message: "remote synthesis circuit open", Err: err}
	}
	if callErr != nil {
		return nil, callErr
	}
	return audio, nil
}

func (c *HTTPSynthesizer) do(ctx context.Context, req Request) (*Audio, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeUpstreamHTTPError, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeUpstreamHTTPError, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}
	if len(body) == 0 {
		return nil, &Error{Code: CodeUpstreamHTTPError, Message: "empty audio response", Status: resp.StatusCode}
	}

	format := "audio/pcm"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			format = mt
		}
	}
	sampleRate := c.cfg.SampleRate
	if v := resp.Header.Get("X-Sample-Rate"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sampleRate = n
		}
	}

	c.logger.Debug().
		Int("bytes", len(body)).
		Str("format", format).
		Dur("latency", time.Since(start)).
		Msg("Remote synthesis complete")

	return &Audio{Data: body, Format: format, SampleRate: sampleRate, Channels: 1}, nil
}

// decodeError reads a {code, message} body, falling back to a code derived from the status
func decodeError(status int, body []byte) *Error {
	var e Error
	if err := json.Unmarshal(body, &e); err == nil && e.Code != "" {
		e.Status = status
		return &e
	}

	e = Error{Status: status, Message: http.StatusText(status)}
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		e.Code = CodeBusy
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		e.Code = CodeProxyError
	default:
		if status >= 500 {
			e.Code = CodeUpstreamHTTPError
		} else {
			e.Code = "bad_request"
		}
	}
	return &e
}
