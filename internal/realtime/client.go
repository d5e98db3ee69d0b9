package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 32
	maxReadBytes = 4096
	maxStreamID  = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// SnapshotSource builds snapshots on demand.
type SnapshotSource interface {
	Snapshot(streamID string) (models.Snapshot, bool)
}

// Client is one dashboard push session.
type Client struct {
	ID       string
	StreamID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// ServeWs upgrades GET /ws/stream-metrics?stream_id=... to a push session. The current
// snapshot is sent immediately; the stream's publisher pushes from then on.
func ServeWs(hub *Hub, registry *Registry, source SnapshotSource, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		streamID := c.Query("stream_id")
		if streamID == "" || len(streamID) > maxStreamID {
			response.BadRequest(c, "stream_id required")
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			StreamID: streamID,
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, sendBuffer),
			done:     make(chan struct{}),
			logger:   logger,
		}
		hub.Register(client)
		registry.Acquire(streamID)

		snap, ok := source.Snapshot(streamID)
		if !ok {
			snap = models.EmptySnapshot(streamID)
		}
		if data, err := json.Marshal(models.NewUpdate(snap)); err == nil {
			hub.sendTo(client, WSMessage{Event: EventMetricsUpdate, Data: data})
			metrics.PushDeliveries.WithLabelValues("initial").Inc()
		}

		go client.writePump()
		client.readPump(func() {
			registry.Release(streamID)
			hub.Unregister(client)
		})
	}
}

func (c *Client) enqueue(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump(release func()) {
	defer func() {
		c.close()
		release()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("push session read error", zap.String("session_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		switch msg.Event {
		case EventPing:
			c.hub.sendTo(c, WSMessage{Event: EventPong})
		default:
			// dashboards only listen
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
