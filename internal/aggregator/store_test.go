package aggregator

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/live-metrics/internal/models"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	s := NewStore(cfg, nil)
	s.now = func() time.Time { return now }
	return s, &now
}

func join(s *Store, streamID string, p models.ViewerPayload) Change {
	return s.Apply(streamID, func(a *Accumulator) bool { return a.Join(p, s.now()) })
}

func leave(s *Store, streamID string, p models.ViewerPayload) Change {
	return s.Apply(streamID, func(a *Accumulator) bool { return a.Leave(p) })
}

func TestJoinLeaveCounters(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})

	for i := 0; i < 3; i++ {
		join(uut, "s1", models.ViewerPayload{})
	}
	leave(uut, "s1", models.ViewerPayload{})

	snap, ok := uut.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(2, snap.CurrentViewers)
	assert.Equal(3, snap.PeakViewers)
	assert.EqualValues(3, snap.TotalViews)
}

func TestLeaveNeverGoesNegative(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})

	join(uut, "s1", models.ViewerPayload{Country: "us"})
	ch := leave(uut, "s1", models.ViewerPayload{Country: "US"})
	assert.True(ch.Changed)
	ch = leave(uut, "s1", models.ViewerPayload{Country: "US"})
	assert.False(ch.Changed)

	snap, _ := uut.Snapshot("s1")
	assert.Equal(0, snap.CurrentViewers)
	assert.Equal(1, snap.PeakViewers)
	assert.Empty(snap.GeographicDistribution)
}

func TestRandomJoinLeaveInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	uut, _ := newTestStore(Config{})

	for i := 0; i < 2000; i++ {
		p := models.ViewerPayload{Country: []string{"US", "DE", "IN"}[rng.Intn(3)]}
		if rng.Intn(5) < 2 {
			join(uut, "s1", p)
		} else {
			leave(uut, "s1", p)
		}
		snap, ok := uut.Snapshot("s1")
		require.True(t, ok)
		require.GreaterOrEqual(t, snap.CurrentViewers, 0)
		require.GreaterOrEqual(t, snap.PeakViewers, snap.CurrentViewers)
		for _, v := range snap.GeographicDistribution {
			require.Greater(t, v, 0)
		}
	}
}

func TestIdentifiedViewers(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})

	// Case 0: repeated join for the same viewer is not a new view
	assert.True(join(uut, "s1", models.ViewerPayload{ViewerID: "v1", Country: "fr", Device: "Mobile"}).Changed)
	assert.False(join(uut, "s1", models.ViewerPayload{ViewerID: "v1"}).Changed)
	snap, _ := uut.Snapshot("s1")
	assert.Equal(1, snap.CurrentViewers)
	assert.EqualValues(1, snap.TotalViews)
	assert.Equal(map[string]int{"FR": 1}, snap.GeographicDistribution)
	assert.Equal(map[string]int{"mobile": 1}, snap.DeviceDistribution)

	// Case 1: leave uses the categories recorded at join time
	assert.True(leave(uut, "s1", models.ViewerPayload{ViewerID: "v1"}).Changed)
	snap, _ = uut.Snapshot("s1")
	assert.Equal(0, snap.CurrentViewers)
	assert.Empty(snap.GeographicDistribution)
	assert.Empty(snap.DeviceDistribution)

	// Case 2: duplicate leave is ignored
	assert.False(leave(uut, "s1", models.ViewerPayload{ViewerID: "v1"}).Changed)
}

func TestChatCountOrderInsensitive(t *testing.T) {
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	stamps := make([]time.Time, 60)
	for i := range stamps {
		stamps[i] = base.Add(time.Duration(i%7) * 3 * time.Second)
	}

	counts := make([]int64, 0, 3)
	for round := 0; round < 3; round++ {
		uut, _ := newTestStore(Config{})
		order := rand.New(rand.NewSource(int64(round))).Perm(len(stamps))
		for _, i := range order {
			ts := stamps[i]
			uut.Apply("s1", func(a *Accumulator) bool { return a.Chat(ts) })
		}
		snap, _ := uut.Snapshot("s1")
		counts = append(counts, snap.ChatMessageCount)
	}
	assert.Equal(t, []int64{60, 60, 60}, counts)
}

func TestRapidChatTimelineBounded(t *testing.T) {
	assert := assert.New(t)
	uut, now := newTestStore(Config{TimelineCapacity: 24})

	for i := 0; i < 50; i++ {
		ts := now.Add(time.Duration(i) * 100 * time.Millisecond)
		uut.Apply("s1", func(a *Accumulator) bool { return a.Chat(ts) })
	}
	snap, _ := uut.Snapshot("s1")
	assert.EqualValues(50, snap.ChatMessageCount)
	assert.LessOrEqual(len(snap.ChatActivityTimeline), 24)

	for i := 0; i < 100; i++ {
		ts := now.Add(time.Duration(i) * time.Minute)
		uut.Apply("s1", func(a *Accumulator) bool { return a.Chat(ts) })
	}
	snap, _ = uut.Snapshot("s1")
	assert.Len(snap.ChatActivityTimeline, 24)
}

func TestSnapshotUnknownStream(t *testing.T) {
	uut, _ := newTestStore(Config{})
	_, ok := uut.Snapshot("never-seen")
	assert.False(t, ok)
	assert.Equal(t, 0, uut.Len())
}

func TestSnapshotIsDeepAndDeterministic(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})
	join(uut, "s1", models.ViewerPayload{Country: "US", Device: "desktop"})

	a, _ := uut.Snapshot("s1")
	b, _ := uut.Snapshot("s1")
	assert.Equal(a, b)

	a.GeographicDistribution["US"] = 99
	a.ViewerTimeline[0].Value = 99
	c, _ := uut.Snapshot("s1")
	assert.Equal(b, c)
	assert.Equal(1, c.GeographicDistribution["US"])
}

func TestTechnicalAndReactions(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})

	bitrate, latency := 4500.0, 1800.0
	uut.Apply("s1", func(a *Accumulator) bool {
		return a.Technical(models.TechnicalPayload{BitrateKbps: &bitrate, LatencyMs: &latency, BufferingEvents: 2})
	})
	errRate := 0.02
	uut.Apply("s1", func(a *Accumulator) bool {
		return a.Technical(models.TechnicalPayload{ErrorRate: &errRate, BufferingEvents: 1})
	})
	uut.Apply("s1", func(a *Accumulator) bool { return a.Reaction() })

	snap, _ := uut.Snapshot("s1")
	assert.Equal(models.TechnicalMetrics{BitrateKbps: 4500, LatencyMs: 1800, ErrorRate: 0.02, BufferingEvents: 3}, snap.Technical)
	assert.EqualValues(1, snap.Reactions)
	assert.EqualValues(3, snap.Seq)
}

func TestConcurrentStreamsAreIsolated(t *testing.T) {
	uut := NewStore(Config{}, nil)

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		streamID := fmt.Sprintf("stream-%d", s)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 250; i++ {
					uut.Apply(streamID, func(a *Accumulator) bool { return a.Join(models.ViewerPayload{}, time.Now()) })
					uut.Apply(streamID, func(a *Accumulator) bool { return a.Chat(time.Now()) })
					_, _ = uut.Snapshot(streamID)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 8, uut.Len())
	for s := 0; s < 8; s++ {
		snap, ok := uut.Snapshot(fmt.Sprintf("stream-%d", s))
		require.True(t, ok)
		assert.Equal(t, 1000, snap.CurrentViewers)
		assert.EqualValues(t, 1000, snap.ChatMessageCount)
		assert.EqualValues(t, 2000, snap.Seq)
	}
}

func TestHooks(t *testing.T) {
	assert := assert.New(t)
	uut, _ := newTestStore(Config{})

	var created []string
	var changes []Change
	var evicted []models.StreamSummary
	uut.SetHooks(Hooks{
		OnCreate: func(id string) { created = append(created, id) },
		OnChange: func(c Change) { changes = append(changes, c) },
		OnEvict:  func(s models.StreamSummary) { evicted = append(evicted, s) },
	})

	join(uut, "s1", models.ViewerPayload{})
	join(uut, "s1", models.ViewerPayload{})
	uut.Apply("s1", func(a *Accumulator) bool {
		a.Heartbeat("nobody", time.Now())
		return false
	})

	assert.Equal([]string{"s1"}, created)
	require.Len(t, changes, 2)
	assert.Equal(1, changes[1].PrevViewers)
	assert.Equal(2, changes[1].Viewers)

	assert.True(uut.Evict("s1", models.EvictEnded))
	assert.False(uut.Evict("s1", models.EvictEnded))
	require.Len(t, evicted, 1)
	assert.Equal(2, evicted[0].Snapshot.PeakViewers)

	// A new event after eviction starts a fresh accumulator
	join(uut, "s1", models.ViewerPayload{})
	snap, _ := uut.Snapshot("s1")
	assert.EqualValues(1, snap.TotalViews)
	assert.Equal([]string{"s1", "s1"}, created)
}
