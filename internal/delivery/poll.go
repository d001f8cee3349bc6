package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPPoller fetches recent events from {base}/channels/{id}/events?limit=N
type HTTPPoller struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPPoller creates a polling transport
func NewHTTPPoller(baseURL, token string, timeout time.Duration) *HTTPPoller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPoller{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Poller
func (p *HTTPPoller) Name() string { return "poll" }

type eventsResponse struct {
	Events []Event `json:"events"`
}

// Fetch implements Poller
func (p *HTTPPoller) Fetch(ctx context.Context, channelID string, limit int) ([]Event, error) {
	endpoint := p.baseURL + "/channels/" + url.PathEscape(channelID) + "/events?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("poll returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return out.Events, nil
}
