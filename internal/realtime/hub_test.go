package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// loopbackRelay hands published messages straight to this instance's subscribers, like
// Redis pub/sub does for the publishing instance. The first failSubscribe subscribes fail.
type loopbackRelay struct {
	mu            sync.Mutex
	failSubscribe int
	handlers      map[string]func([]byte)
	published     int
	cancelled     int
}

func newLoopbackRelay(failSubscribe int) *loopbackRelay {
	return &loopbackRelay{failSubscribe: failSubscribe, handlers: make(map[string]func([]byte))}
}

func (r *loopbackRelay) Publish(streamID string, payload []byte) error {
	r.mu.Lock()
	r.published++
	handler := r.handlers[streamID]
	r.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
	return nil
}

func (r *loopbackRelay) Subscribe(streamID string, handler func([]byte)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubscribe > 0 {
		r.failSubscribe--
		return nil, errors.New("connection reset")
	}
	r.handlers[streamID] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, streamID)
		r.cancelled++
	}, nil
}

func (r *loopbackRelay) subscribed(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[streamID] != nil
}

func newBareClient(id, streamID string) *Client {
	return &Client{
		ID:       id,
		StreamID: streamID,
		send:     make(chan WSMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

func TestHubServesLocalSessionsWhenRelaySubscribeFails(t *testing.T) {
	assert := assert.New(t)
	relay := newLoopbackRelay(1 << 30)
	uut := NewHub(nil, relay, nil)
	c := newBareClient("c1", "s1")
	uut.Register(c)

	for i := 0; i < 3; i++ {
		uut.Deliver("s1", models.NewUpdate(models.EmptySnapshot("s1")))
	}
	assert.Len(c.send, 3, "each update reaches the local session exactly once")
	assert.Equal(3, relay.published, "other instances still get every update")
}

func TestHubRetriesRelaySubscribe(t *testing.T) {
	assert := assert.New(t)
	relay := newLoopbackRelay(1)
	uut := NewHub(nil, relay, nil)
	c := newBareClient("c1", "s1")

	// Case 0: the subscribe at registration fails
	uut.Register(c)
	assert.False(relay.subscribed("s1"))

	// Case 1: the next delivery subscribes again and goes through the relay only
	uut.Deliver("s1", models.NewUpdate(models.EmptySnapshot("s1")))
	require.True(t, relay.subscribed("s1"))
	assert.Len(c.send, 1)

	uut.Deliver("s1", models.NewUpdate(models.EmptySnapshot("s1")))
	assert.Len(c.send, 2)

	// Case 2: the last session leaving cancels the subscription
	uut.Unregister(c)
	assert.False(relay.subscribed("s1"))
	assert.Equal(1, relay.cancelled)
}

func TestHubDeliverWithoutLocalSessions(t *testing.T) {
	relay := newLoopbackRelay(0)
	uut := NewHub(nil, relay, nil)

	uut.Deliver("s1", models.NewUpdate(models.EmptySnapshot("s1")))
	assert.Equal(t, 1, relay.published)
	assert.False(t, relay.subscribed("s1"))
}
