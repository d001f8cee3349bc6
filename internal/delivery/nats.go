package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is the subject namespace channel events are published under
const DefaultSubjectPrefix = "voice.channel."

// NATSPush receives events published to {prefix}{channelID}. Each stream owns
// its connection with client-side reconnects disabled, so a lost server ends
// the stream and the subscription's own backoff takes over.
type NATSPush struct {
	url     string
	prefix  string
	timeout time.Duration
	opts    []nats.Option
	logger  zerolog.Logger
}

// NewNATSPush creates a NATS push transport
func NewNATSPush(url string, logger zerolog.Logger, opts ...nats.Option) *NATSPush {
	return &NATSPush{
		url:     url,
		prefix:  DefaultSubjectPrefix,
		timeout: 5 * time.Second,
		opts:    opts,
		logger:  logger.With().Str("transport", "nats").Logger(),
	}
}

// Name implements Pusher
func (p *NATSPush) Name() string { return "nats" }

// Subject returns the subject carrying channelID's events
func (p *NATSPush) Subject(channelID string) string {
	return p.prefix + channelID
}

// Stream implements Pusher
func (p *NATSPush) Stream(ctx context.Context, channelID string, onOpen func(), onEvent func(Event)) error {
	closed := make(chan struct{})
	options := append([]nats.Option{
		nats.Name("voice-session"),
		nats.Timeout(p.timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}, p.opts...)

	conn, err := nats.Connect(p.url, options...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(p.Subject(channelID), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed event")
			return
		}
		onEvent(e)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.Subject(channelID), err)
	}
	defer sub.Unsubscribe()

	if err := conn.FlushTimeout(p.timeout); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	onOpen()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		if err := conn.LastError(); err != nil {
			return fmt.Errorf("nats connection lost: %w", err)
		}
		return errors.New("nats connection closed")
	}
}

// Publish sends e to channelID's subject
func Publish(conn *nats.Conn, prefix, channelID string, e Event) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return conn.Publish(prefix+channelID, data)
}
