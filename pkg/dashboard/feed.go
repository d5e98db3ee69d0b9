// Package dashboard is the client side of metrics distribution: feeds that receive stream
// snapshots over push or poll, and a reconciler that merges them into the state a
// dashboard renders.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// ErrPushExhausted is reported when the push channel gave up reconnecting.
var ErrPushExhausted = errors.New("push channel exhausted")

// Mode is the delivery channel a Delivery arrived on.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Delivery is one item received from a feed. Update and Partial are both nil for pure
// connectivity changes.
type Delivery struct {
	Update    *models.Update
	Partial   *models.PartialMetrics
	Connected bool
	Mode      Mode
	Err       error
}

// Feed produces deliveries for one stream until ctx is done. The channel is closed when
// the feed stops.
type Feed interface {
	Stream(ctx context.Context, streamID string) (<-chan Delivery, error)
}

// Config configures the feeds built by Connect.
type Config struct {
	// BaseURL is the http(s) root of the metrics server.
	BaseURL string
	// SessionID identifies this dashboard to the server; generated when empty.
	SessionID string

	PollInterval      time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	DropLimit         int
	DropWindow        time.Duration
	TimelineCapacity  int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		ReconnectBase:     5 * time.Second,
		ReconnectMax:      30 * time.Second,
		MaxAttempts:       5,
		HeartbeatInterval: 25 * time.Second,
		ReadTimeout:       65 * time.Second,
		DropLimit:         3,
		DropWindow:        time.Minute,
		TimelineCapacity:  24,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DropLimit <= 0 {
		c.DropLimit = def.DropLimit
	}
	if c.DropWindow <= 0 {
		c.DropWindow = def.DropWindow
	}
	if c.TimelineCapacity <= 0 {
		c.TimelineCapacity = def.TimelineCapacity
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Connect builds a push-first feed with poll fallback for streamID and starts a session on it.
func Connect(ctx context.Context, cfg Config, streamID string, logger *zap.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	feed := NewFallbackFeed(NewPushFeed(cfg, logger), NewPollFeed(cfg, logger), cfg, logger)
	s := NewSession(feed, streamID, cfg.TimelineCapacity)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func send(ctx context.Context, out chan<- Delivery, d Delivery) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
