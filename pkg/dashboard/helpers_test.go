package dashboard

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aura-webinar/live-metrics/internal/aggregator"
	"github.com/aura-webinar/live-metrics/internal/analytics"
	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	wsServe int32 = iota
	wsRefuse
	wsDrop
)

// stack is an in-process metrics server.
type stack struct {
	store    *aggregator.Store
	subs     *realtime.Subscriptions
	hub      *realtime.Hub
	registry *realtime.Registry
	srv      *httptest.Server
	wsMode   atomic.Int32
	pollFail atomic.Bool
}

func newStack(t *testing.T, cadence time.Duration) *stack {
	st := &stack{store: aggregator.NewStore(aggregator.Config{}, nil)}
	st.subs = realtime.NewSubscriptions(nil)
	st.hub = realtime.NewHub(st.subs, nil, nil)
	st.registry = realtime.NewRegistry(st.store, st.hub, realtime.PublisherConfig{Interval: cadence}, nil)
	st.store.SetHooks(aggregator.Hooks{
		OnChange: func(ch aggregator.Change) { st.registry.Nudge(ch.StreamID, ch.PrevViewers, ch.Viewers) },
	})

	serveWs := realtime.ServeWs(st.hub, st.registry, st.store, nil)
	dropper := websocket.Upgrader{}
	poll := analytics.NewHandler(st.store, st.subs, nil)

	router := gin.New()
	router.GET("/ws/stream-metrics", func(c *gin.Context) {
		switch st.wsMode.Load() {
		case wsRefuse:
			c.Status(http.StatusServiceUnavailable)
		case wsDrop:
			if conn, err := dropper.Upgrade(c.Writer, c.Request, nil); err == nil {
				_ = conn.Close()
			}
		default:
			serveWs(c)
		}
	})
	router.GET("/stream-metrics/:streamId", func(c *gin.Context) {
		if st.pollFail.Load() {
			c.Status(http.StatusInternalServerError)
			return
		}
		poll.GetStreamMetrics(c)
	})
	router.DELETE("/stream-metrics/:streamId/sessions/:sessionId", poll.DeleteSession)

	st.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		st.srv.Close()
		st.registry.StopAll()
	})
	return st
}

func (st *stack) join(streamID string, n int) {
	for i := 0; i < n; i++ {
		st.store.Apply(streamID, func(a *aggregator.Accumulator) bool {
			return a.Join(models.ViewerPayload{}, time.Now())
		})
	}
}

func (st *stack) config() Config {
	return Config{
		BaseURL:       st.srv.URL,
		PollInterval:  30 * time.Millisecond,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		MaxAttempts:   3,
		DropLimit:     3,
		DropWindow:    5 * time.Second,
	}
}

func collect(ch <-chan Delivery, timeout time.Duration) []Delivery {
	var out []Delivery
	deadline := time.After(timeout)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-deadline:
			return out
		}
	}
}

func leaveAnonymous(a *aggregator.Accumulator) bool {
	return a.Leave(models.ViewerPayload{})
}
