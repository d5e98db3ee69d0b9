package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// PollFeed fetches the snapshot on a fixed client-controlled interval. Failed requests
// report Connected=false and polling continues.
type PollFeed struct {
	cfg    Config
	logger *zap.Logger
}

// NewPollFeed creates a poll feed.
func NewPollFeed(cfg Config, logger *zap.Logger) *PollFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	return &PollFeed{cfg: cfg, logger: logger}
}

// SessionID is the poll session id sent to the server.
func (p *PollFeed) SessionID() string { return p.cfg.SessionID }

type pollResponse struct {
	Success bool          `json:"success"`
	Data    models.Update `json:"data"`
	Error   string        `json:"error"`
}

// Stream implements Feed. The first request is made immediately.
func (p *PollFeed) Stream(ctx context.Context, streamID string) (<-chan Delivery, error) {
	if _, err := url.Parse(p.cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	out := make(chan Delivery, 4)
	go p.run(ctx, streamID, out)
	return out, nil
}

func (p *PollFeed) run(ctx context.Context, streamID string, out chan<- Delivery) {
	defer close(out)
	defer p.unsubscribe(streamID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		u, err := p.Fetch(ctx, streamID)
		if ctx.Err() != nil {
			return
		}
		d := Delivery{Mode: ModePoll, Connected: err == nil, Err: err}
		if err == nil {
			d.Update = &u
		} else {
			p.logger.Debug("poll failed", zap.String("stream_id", streamID), zap.Error(err))
		}
		if !send(ctx, out, d) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Fetch performs one snapshot request.
func (p *PollFeed) Fetch(ctx context.Context, streamID string) (models.Update, error) {
	target := p.cfg.BaseURL + "/stream-metrics/" + url.PathEscape(streamID) +
		"?" + url.Values{"session_id": {p.cfg.SessionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return models.Update{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return models.Update{}, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.Update{}, fmt.Errorf("poll status: %d", resp.StatusCode)
	}
	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Update{}, fmt.Errorf("decode poll response: %w", err)
	}
	if !body.Success {
		return models.Update{}, fmt.Errorf("poll rejected: %s", body.Error)
	}
	return body.Data, nil
}

// unsubscribe tells the server the poll session is over. Failures are ignored; the server
// expires idle poll sessions on its own.
func (p *PollFeed) unsubscribe(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	target := p.cfg.BaseURL + "/stream-metrics/" + url.PathEscape(streamID) + "/sessions/" + url.PathEscape(p.cfg.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
