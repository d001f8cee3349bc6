package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/rs/zerolog"
)

// HTTPSender posts messages to {base}/channels/{id}/messages
type HTTPSender struct {
	baseURL    string
	apiKey     string
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPSender creates an HTTP sender
func NewHTTPSender(baseURL, apiKey string, cfg Config, logger zerolog.Logger) *HTTPSender {
	cfg = cfg.withDefaults()
	return &HTTPSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "agent").Str("transport", "http").Logger(),
	}
}

// Send implements Sender. Every attempt reuses the same message id so the
// receiving side can drop duplicates of a retried post.
func (s *HTTPSender) Send(ctx context.Context, channelID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	msg := Message{ID: uuid.NewString(), Text: text, By: s.cfg.SelfID}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	endpoint := s.baseURL + "/channels/" + url.PathEscape(channelID) + "/messages"

	err = guarded(ctx, s.cfg, func() error {
		return s.post(ctx, endpoint, body)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("channel_id", channelID).Str("message_id", msg.ID).Msg("Send failed")
		return "", fmt.Errorf("send to channel %s: %w", channelID, err)
	}

	s.logger.Debug().Str("channel_id", channelID).Str("message_id", msg.ID).Msg("Message sent")
	return msg.ID, nil
}

func (s *HTTPSender) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resilience.NewRetryableError(statusErr)
	}
	return statusErr
}
