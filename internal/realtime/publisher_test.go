package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aura-webinar/live-metrics/internal/models"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]models.Snapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]models.Snapshot)}
}

func (f *fakeSource) set(s models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.StreamID] = s
}

func (f *fakeSource) Snapshot(streamID string) (models.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[streamID]
	return s, ok
}

type fakeDeliverer struct {
	mu      sync.Mutex
	updates []models.Update
}

func (f *fakeDeliverer) Deliver(_ string, u models.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeDeliverer) last() models.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func TestSignificant(t *testing.T) {
	assert := assert.New(t)
	assert.False(Significant(10, 10, 10))
	assert.True(Significant(0, 1, 10))
	assert.True(Significant(1, 0, 10))
	assert.False(Significant(100, 110, 10))
	assert.True(Significant(100, 111, 10))
	assert.True(Significant(100, 89, 10))
	assert.True(Significant(5, 6, 10))
	assert.False(Significant(20, 21, 10))
}

func TestPublisherTicks(t *testing.T) {
	assert := assert.New(t)
	src := newFakeSource()
	src.set(models.Snapshot{StreamID: "s1", CurrentViewers: 7, Seq: 3})
	out := &fakeDeliverer{}

	uut := NewPublisher("s1", src, out, PublisherConfig{Interval: 20 * time.Millisecond}, nil)
	uut.Start()
	uut.Start()
	assert.Eventually(func() bool { return out.count() >= 3 }, time.Second, 5*time.Millisecond)
	uut.Stop()
	uut.Stop()

	n := out.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(n, out.count())
	assert.Equal(7, out.last().Snapshot.CurrentViewers)
	assert.True(out.last().IsConnected)
}

func TestPublisherUntracked(t *testing.T) {
	assert := assert.New(t)
	src := newFakeSource()

	// Case 0: empty snapshot for an untracked stream
	out := &fakeDeliverer{}
	uut := NewPublisher("s1", src, out, PublisherConfig{Interval: 10 * time.Millisecond}, nil)
	uut.Start()
	assert.Eventually(func() bool { return out.count() >= 1 }, time.Second, 5*time.Millisecond)
	uut.Stop()
	assert.Equal("s1", out.last().Snapshot.StreamID)
	assert.NotNil(out.last().Snapshot.GeographicDistribution)

	// Case 1: relayed instances stay silent
	out = &fakeDeliverer{}
	uut = NewPublisher("s1", src, out, PublisherConfig{Interval: 10 * time.Millisecond, SkipUntracked: true}, nil)
	uut.Start()
	time.Sleep(50 * time.Millisecond)
	uut.Stop()
	assert.Equal(0, out.count())
}

func TestPublisherNudge(t *testing.T) {
	assert := assert.New(t)
	src := newFakeSource()
	src.set(models.Snapshot{StreamID: "s1", CurrentViewers: 50})
	out := &fakeDeliverer{}

	uut := NewPublisher("s1", src, out, PublisherConfig{Interval: time.Hour, MinGap: time.Hour}, nil)
	uut.Start()
	defer uut.Stop()

	// Case 0: small change waits for the tick
	assert.False(uut.Nudge(100, 105))

	// Case 1: large change pushes immediately
	assert.True(uut.Nudge(100, 50))
	assert.Eventually(func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)

	// Case 2: a burst inside MinGap is suppressed
	assert.False(uut.Nudge(50, 10))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(1, out.count())
}

func TestRegistryRefCounting(t *testing.T) {
	assert := assert.New(t)
	src := newFakeSource()
	src.set(models.Snapshot{StreamID: "s1"})
	out := &fakeDeliverer{}
	uut := NewRegistry(src, out, PublisherConfig{Interval: time.Hour, MinGap: time.Millisecond}, nil)

	assert.False(uut.Nudge("s1", 0, 10))

	uut.Acquire("s1")
	uut.Acquire("s1")
	uut.Acquire("s2")
	assert.Equal(2, uut.Len())
	assert.True(uut.Nudge("s1", 0, 10))

	uut.Release("s1")
	assert.Equal(2, uut.Len())
	uut.Release("s1")
	assert.Equal(1, uut.Len())
	uut.Release("s1")
	assert.Equal(1, uut.Len())

	uut.StopAll()
	assert.Equal(0, uut.Len())
}
