package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

const (
	// EventMetricsUpdate carries a models.Update.
	EventMetricsUpdate = "metrics_update"
	// EventPing is sent by dashboards as an application-level keepalive.
	EventPing = "ping"
	// EventPong answers EventPing.
	EventPong = "pong"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Relay carries encoded messages between instances.
type Relay interface {
	Publish(streamID string, payload []byte) error
	Subscribe(streamID string, handler func(payload []byte)) (cancel func(), err error)
}

// Hub maintains stream_id -> push sessions and delivers updates to them.
// With a relay, deliveries go through Redis and the subscription callback broadcasts
// locally, so every instance (this one included) delivers each update once.
type Hub struct {
	streams map[string]map[string]*Client
	subs    map[string]func()
	pending map[string]bool
	mu      sync.RWMutex
	relay   Relay
	table   *Subscriptions
	logger  *zap.Logger
}

// NewHub creates a hub. relay may be nil for single-instance deployments.
func NewHub(table *Subscriptions, relay Relay, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == nil {
		table = NewSubscriptions(logger)
	}
	return &Hub{
		streams: make(map[string]map[string]*Client),
		subs:    make(map[string]func()),
		pending: make(map[string]bool),
		relay:   relay,
		table:   table,
		logger:  logger,
	}
}

// Subscriptions returns the session table the hub records push sessions in.
func (h *Hub) Subscriptions() *Subscriptions { return h.table }

// Register adds a push session. The relay subscription for the stream starts with its
// first session and is made outside the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.streams[c.StreamID] == nil {
		h.streams[c.StreamID] = make(map[string]*Client)
	}
	h.streams[c.StreamID][c.ID] = c
	h.mu.Unlock()
	h.table.Touch(c.ID, c.StreamID, models.ChannelPush)
	h.subscribe(c.StreamID)
	h.logger.Debug("push session registered", zap.String("session_id", c.ID), zap.String("stream_id", c.StreamID))
}

// Unregister removes a push session. The relay subscription ends with the stream's last session.
func (h *Hub) Unregister(c *Client) {
	var cancel func()
	h.mu.Lock()
	if m, ok := h.streams[c.StreamID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.streams, c.StreamID)
			cancel = h.subs[c.StreamID]
			delete(h.subs, c.StreamID)
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.table.Remove(c.ID)
	h.logger.Debug("push session unregistered", zap.String("session_id", c.ID), zap.String("stream_id", c.StreamID))
}

// subscribe makes sure the relay feeds this instance's sessions of streamID. It reports
// whether a subscription is in place afterwards.
func (h *Hub) subscribe(streamID string) bool {
	if h.relay == nil {
		return false
	}
	h.mu.Lock()
	_, subscribed := h.subs[streamID]
	if subscribed || h.pending[streamID] || h.streams[streamID] == nil {
		h.mu.Unlock()
		return subscribed
	}
	h.pending[streamID] = true
	h.mu.Unlock()

	cancel, err := h.relay.Subscribe(streamID, func(payload []byte) {
		var msg WSMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Warn("invalid relay message", zap.String("stream_id", streamID), zap.Error(err))
			return
		}
		h.broadcast(streamID, msg)
	})

	h.mu.Lock()
	delete(h.pending, streamID)
	if err != nil {
		h.mu.Unlock()
		h.logger.Warn("relay subscribe failed", zap.String("stream_id", streamID), zap.Error(err))
		return false
	}
	if h.streams[streamID] == nil {
		// the last session left while subscribing
		h.mu.Unlock()
		cancel()
		return false
	}
	h.subs[streamID] = cancel
	h.mu.Unlock()
	return true
}

// Deliver sends an update to every push session of the stream, across instances when a
// relay is configured. A session whose buffer is full skips this update. While this
// instance has no relay subscription for the stream (it failed, and the retry here failed
// too) its own sessions are served directly.
func (h *Hub) Deliver(streamID string, u models.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("marshal metrics update", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	msg := WSMessage{Event: EventMetricsUpdate, Data: data}
	if h.relay == nil {
		h.broadcast(streamID, msg)
		return
	}

	subscribed := h.SessionCount(streamID) == 0 || h.subscribe(streamID)
	raw, err := json.Marshal(msg)
	if err == nil {
		err = h.relay.Publish(streamID, raw)
	}
	if err != nil {
		h.logger.Warn("relay publish failed, delivering locally", zap.String("stream_id", streamID), zap.Error(err))
		h.broadcast(streamID, msg)
		return
	}
	if !subscribed {
		h.broadcast(streamID, msg)
	}
}

// SessionCount returns the number of local push sessions for a stream.
func (h *Hub) SessionCount(streamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[streamID])
}

func (h *Hub) broadcast(streamID string, msg WSMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.streams[streamID]))
	for _, c := range h.streams[streamID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.enqueue(msg) {
			h.table.Delivered(c.ID)
		} else {
			metrics.PushSkipped.Inc()
		}
	}
}

// sendTo delivers a message to one session only.
func (h *Hub) sendTo(c *Client, msg WSMessage) bool {
	if !c.enqueue(msg) {
		metrics.PushSkipped.Inc()
		return false
	}
	h.table.Delivered(c.ID)
	return true
}
