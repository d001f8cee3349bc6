package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultReadTimeout is how long a push stream may stay silent before it is
// considered dead. Server pings reset it.
const DefaultReadTimeout = 60 * time.Second

// WSPush streams events over a WebSocket at {base}/channels/{id}/stream
type WSPush struct {
	baseURL     string
	token       string
	dialer      websocket.Dialer
	readTimeout time.Duration
	logger      zerolog.Logger
}

// NewWSPush creates a WebSocket push transport. baseURL may use http(s) or ws(s).
func NewWSPush(baseURL, token string, logger zerolog.Logger) *WSPush {
	return &WSPush{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer: websocket.Dialer{
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: DefaultReadTimeout,
		logger:      logger.With().Str("transport", "ws").Logger(),
	}
}

// Name implements Pusher
func (p *WSPush) Name() string { return "ws" }

// StreamURL builds the stream endpoint for channelID
func (p *WSPush) StreamURL(channelID string) (string, error) {
	u, err := url.Parse(p.baseURL + "/channels/" + url.PathEscape(channelID) + "/stream")
	if err != nil {
		return "", fmt.Errorf("invalid delivery base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Stream implements Pusher
func (p *WSPush) Stream(ctx context.Context, channelID string, onOpen func(), onEvent func(Event)) error {
	wsURL, err := p.StreamURL(channelID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
			return fmt.Errorf("push dial failed: %s (status: %d)", err.Error(), resp.StatusCode)
		}
		return fmt.Errorf("push dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(p.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	onOpen()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("push stream read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(p.readTimeout))

		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			p.logger.Warn().Err(err).Msg("Dropping malformed push frame")
			continue
		}
		onEvent(e)
	}
}
