package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/live-metrics/internal/aggregator"
	"github.com/aura-webinar/live-metrics/internal/models"
)

type recordedEvent struct {
	ev models.Event
	ch aggregator.Change
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) Record(_ context.Context, ev models.Event, ch aggregator.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{ev: ev, ch: ch})
}

func newTestService() (*Service, *aggregator.Store, *fakeRecorder) {
	store := aggregator.NewStore(aggregator.Config{}, nil)
	rec := &fakeRecorder{}
	return NewService(store, rec, Config{}, nil), store, rec
}

func raw(streamID, typ, eventID, payload string) []byte {
	if payload == "" {
		payload = "null"
	}
	return []byte(fmt.Sprintf(`{"stream_id":%q,"type":%q,"event_id":%q,"payload":%s}`, streamID, typ, eventID, payload))
}

func TestIngestJoinLeaveScenario(t *testing.T) {
	assert := assert.New(t)
	uut, store, rec := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Nil(uut.IngestRaw(ctx, raw("s1", "join", "", "")))
	}
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "leave", "", "")))

	snap, ok := store.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(2, snap.CurrentViewers)
	assert.Equal(3, snap.PeakViewers)
	assert.EqualValues(3, snap.TotalViews)
	assert.Len(rec.events, 4)
	assert.True(rec.events[0].ch.Created)
}

func TestIngestDeduplicatesByEventID(t *testing.T) {
	assert := assert.New(t)
	uut, store, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Nil(uut.IngestRaw(ctx, raw("s1", "chat", "msg-1", "")))
	}
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "chat", "msg-2", "")))
	// same id on another stream is a different event
	assert.Nil(uut.IngestRaw(ctx, raw("s2", "chat", "msg-1", "")))
	// no id: at-least-once
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "chat", "", "")))
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "chat", "", "")))

	snap, _ := store.Snapshot("s1")
	assert.EqualValues(4, snap.ChatMessageCount)
	snap, _ = store.Snapshot("s2")
	assert.EqualValues(1, snap.ChatMessageCount)
}

func TestIngestMalformedIsIsolated(t *testing.T) {
	assert := assert.New(t)
	uut, store, rec := newTestService()
	ctx := context.Background()

	assert.Nil(uut.IngestRaw(ctx, raw("s1", "join", "", "")))
	assert.ErrorIs(uut.IngestRaw(ctx, []byte(`{"stream_id":"s1","type":"join","payload":[1,2]}`)), ErrMalformedEvent)
	assert.ErrorIs(uut.IngestRaw(ctx, []byte(`garbage`)), ErrMalformedEvent)

	snap, _ := store.Snapshot("s1")
	assert.Equal(1, snap.CurrentViewers)
	assert.EqualValues(1, snap.Seq)
	assert.Len(rec.events, 1)
}

func TestIngestHeartbeatKeepsViewerAlive(t *testing.T) {
	assert := assert.New(t)
	uut, store, _ := newTestService()
	ctx := context.Background()

	assert.Nil(uut.IngestRaw(ctx, raw("s1", "join", "", `{"viewer_id":"v1"}`)))
	before, _ := store.Snapshot("s1")
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "heartbeat", "", `{"viewer_id":"v1"}`)))
	assert.Nil(uut.IngestRaw(ctx, raw("s1", "heartbeat", "", `{"viewer_id":"ghost"}`)))
	after, _ := store.Snapshot("s1")

	// heartbeats refresh liveness without touching visible state
	assert.Equal(before, after)

	res := store.Sweep(time.Now().Add(time.Second))
	assert.Equal(0, res.ExpiredViewers)
	res = store.Sweep(time.Now().Add(store.Config().HeartbeatTimeout + time.Second))
	assert.Equal(1, res.ExpiredViewers)
}

func TestIngestTimestampClamping(t *testing.T) {
	assert := assert.New(t)
	uut, store, _ := newTestService()
	fixed := time.Date(2026, 3, 1, 18, 0, 5, 0, time.UTC)
	uut.now = func() time.Time { return fixed }

	future := fixed.Add(time.Hour)
	uut.Ingest(context.Background(), models.Event{StreamID: "s1", Type: models.EventChat, Chat: &models.ChatPayload{}, Timestamp: future})
	uut.Ingest(context.Background(), models.Event{StreamID: "s1", Type: models.EventChat, Chat: &models.ChatPayload{}})

	snap, _ := store.Snapshot("s1")
	require.Len(t, snap.ChatActivityTimeline, 1)
	assert.Equal(fixed.Truncate(10*time.Second), snap.ChatActivityTimeline[0].Timestamp)
	assert.EqualValues(2, snap.ChatActivityTimeline[0].Value)
}

func TestIngestEndStream(t *testing.T) {
	uut, store, _ := newTestService()
	uut.EndStream(context.Background(), "s1")
	snap, ok := store.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, snap.Ended)
}
