// Package agent sends user utterances to the conversational agent's channel.
// Replies come back through the delivery channel, not through these calls.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/voice-session/internal/resilience"
)

// ErrEmptyText is returned when there is nothing to send
var ErrEmptyText = errors.New("agent: empty message text")

// Sender posts one message to a channel and returns the id it was sent under
type Sender interface {
	Send(ctx context.Context, channelID, text string) (string, error)
}

// Message is the outbound payload
type Message struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	By   string `json:"by,omitempty"`
}

// Config holds what both senders share
type Config struct {
	SelfID  string // written to Message.By so the echo is recognized as our own
	Timeout time.Duration
	Retry   *resilience.RetryConfig
	Breaker *resilience.CircuitBreaker // optional
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retry == nil {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// guarded runs fn under the breaker, retrying transient failures
func guarded(ctx context.Context, cfg Config, fn func() error) error {
	attempt := func() error {
		return resilience.Retry(ctx, fn, cfg.Retry, resilience.IsRetryableNetworkError)
	}
	if cfg.Breaker == nil {
		return attempt()
	}
	return cfg.Breaker.Call(attempt)
}
