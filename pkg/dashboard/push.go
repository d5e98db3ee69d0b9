package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/internal/realtime"
)

// PushFeed receives snapshots over the server's websocket. Failed connection attempts are
// retried with exponential backoff; after MaxAttempts consecutive failures it reports
// ErrPushExhausted and stops.
type PushFeed struct {
	cfg    Config
	logger *zap.Logger
}

// NewPushFeed creates a push feed.
func NewPushFeed(cfg Config, logger *zap.Logger) *PushFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushFeed{cfg: cfg.withDefaults(), logger: logger}
}

// Stream implements Feed.
func (p *PushFeed) Stream(ctx context.Context, streamID string) (<-chan Delivery, error) {
	target, err := p.endpoint(streamID)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery, 16)
	go p.run(ctx, target, out)
	return out, nil
}

func (p *PushFeed) endpoint(streamID string) (string, error) {
	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/stream-metrics"
	u.RawQuery = url.Values{"stream_id": {streamID}}.Encode()
	return u.String(), nil
}

// newBackOff yields base, 2*base, 4*base... capped at max, without jitter.
func (p *PushFeed) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ReconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *PushFeed) run(ctx context.Context, target string, out chan<- Delivery) {
	defer close(out)
	b := p.newBackOff()
	failures := 0

	for {
		conn, _, err := p.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Debug("push connect failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= p.cfg.MaxAttempts {
				send(ctx, out, Delivery{Mode: ModePush, Err: fmt.Errorf("%w after %d attempts: %v", ErrPushExhausted, failures, err)})
				return
			}
			if !send(ctx, out, Delivery{Mode: ModePush, Err: err}) {
				return
			}
		} else {
			failures = 0
			b.Reset()
			if !send(ctx, out, Delivery{Connected: true, Mode: ModePush}) {
				_ = conn.Close()
				return
			}
			err = p.read(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("push channel dropped", zap.Error(err))
			if !send(ctx, out, Delivery{Mode: ModePush, Err: fmt.Errorf("push channel dropped: %w", err)}) {
				return
			}
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// read consumes one connection until it fails or ctx is done.
func (p *PushFeed) read(ctx context.Context, conn *websocket.Conn, out chan<- Delivery) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			case <-done:
				return
			case <-ticker.C:
				// sole data-frame writer on conn
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(realtime.WSMessage{Event: realtime.EventPing}); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		var msg realtime.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		if msg.Event != realtime.EventMetricsUpdate {
			continue
		}
		var u models.Update
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			p.logger.Warn("invalid metrics update", zap.Error(err))
			continue
		}
		if !send(ctx, out, Delivery{Update: &u, Connected: true, Mode: ModePush}) {
			return ctx.Err()
		}
	}
}
