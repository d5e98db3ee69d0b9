package aggregator

import (
	"strings"
	"time"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

type viewer struct {
	country  string
	device   string
	lastSeen time.Time
}

// Accumulator is the mutable per-stream metrics state. It is only ever touched while the
// owning Store holds the stream's lock, so its methods do no locking of their own.
type Accumulator struct {
	streamID       string
	currentViewers int
	peakViewers    int
	totalViews     int64
	chatMessages   int64
	reactions      int64
	geo            map[string]int
	devices        map[string]int
	viewers        map[string]*viewer
	viewerTimeline *Timeline
	chatTimeline   *Timeline
	technical      models.TechnicalMetrics
	ended          bool
	seq            uint64
	lastUpdated    time.Time
	lastEventAt    time.Time
}

func newAccumulator(streamID string, cfg Config, now time.Time) *Accumulator {
	return &Accumulator{
		streamID:       streamID,
		geo:            make(map[string]int),
		devices:        make(map[string]int),
		viewers:        make(map[string]*viewer),
		viewerTimeline: NewTimeline(cfg.TimelineCapacity, cfg.BucketSize),
		chatTimeline:   NewTimeline(cfg.TimelineCapacity, cfg.BucketSize),
		lastEventAt:    now,
	}
}

// StreamID returns the id of the stream this accumulator tracks.
func (a *Accumulator) StreamID() string { return a.streamID }

// CurrentViewers returns the live viewer count.
func (a *Accumulator) CurrentViewers() int { return a.currentViewers }

// Join counts a viewer arrival. A join for a viewer id that is already tracked only
// refreshes its liveness and reports no change. Joins without a viewer id are counted
// but never heartbeat-expired; only an anonymous leave takes them back out.
func (a *Accumulator) Join(p models.ViewerPayload, now time.Time) bool {
	country, device := normalizeCountry(p.Country), normalizeDevice(p.Device)
	if p.ViewerID != "" {
		if v, ok := a.viewers[p.ViewerID]; ok {
			v.lastSeen = now
			return false
		}
		a.viewers[p.ViewerID] = &viewer{country: country, device: device, lastSeen: now}
	} else {
		metrics.AnonymousJoins.Inc()
	}
	a.currentViewers++
	a.totalViews++
	increment(a.geo, country)
	increment(a.devices, device)
	return true
}

// Leave counts a viewer departure, clamping at zero. Leaves for untracked viewer ids are
// ignored since that viewer already timed out or left.
func (a *Accumulator) Leave(p models.ViewerPayload) bool {
	country, device := normalizeCountry(p.Country), normalizeDevice(p.Device)
	if p.ViewerID != "" {
		v, ok := a.viewers[p.ViewerID]
		if !ok {
			return false
		}
		delete(a.viewers, p.ViewerID)
		country, device = v.country, v.device
	}
	return a.drop(country, device)
}

func (a *Accumulator) drop(country, device string) bool {
	changed := a.currentViewers > 0
	a.currentViewers--
	if a.currentViewers < 0 {
		a.currentViewers = 0
	}
	if decrement(a.geo, country) {
		changed = true
	}
	if decrement(a.devices, device) {
		changed = true
	}
	return changed
}

// Chat counts a chat message into the total and the chat activity bucket for ts.
func (a *Accumulator) Chat(ts time.Time) bool {
	a.chatMessages++
	a.chatTimeline.Add(ts, 1)
	return true
}

// Heartbeat refreshes a viewer's liveness. It reports whether the viewer is tracked.
func (a *Accumulator) Heartbeat(viewerID string, now time.Time) bool {
	v, ok := a.viewers[viewerID]
	if !ok {
		return false
	}
	v.lastSeen = now
	return true
}

// Technical overwrites the supplied health fields; buffering events accumulate.
func (a *Accumulator) Technical(p models.TechnicalPayload) bool {
	if p.BitrateKbps != nil {
		a.technical.BitrateKbps = *p.BitrateKbps
	}
	if p.LatencyMs != nil {
		a.technical.LatencyMs = *p.LatencyMs
	}
	if p.ErrorRate != nil {
		a.technical.ErrorRate = *p.ErrorRate
	}
	a.technical.BufferingEvents += p.BufferingEvents
	return true
}

// Reaction counts a like/reaction.
func (a *Accumulator) Reaction() bool {
	a.reactions++
	return true
}

// End marks the stream as ended; eviction follows after the grace period.
func (a *Accumulator) End() bool {
	if a.ended {
		return false
	}
	a.ended = true
	return true
}

// expireViewers applies an implicit leave for every viewer not seen since cutoff.
func (a *Accumulator) expireViewers(cutoff time.Time) int {
	n := 0
	for id, v := range a.viewers {
		if v.lastSeen.Before(cutoff) {
			delete(a.viewers, id)
			a.drop(v.country, v.device)
			n++
		}
	}
	return n
}

// commit restores the counter invariants and stamps the mutation.
func (a *Accumulator) commit(now time.Time) {
	if a.currentViewers < 0 {
		a.currentViewers = 0
	}
	if a.peakViewers < a.currentViewers {
		a.peakViewers = a.currentViewers
	}
	a.viewerTimeline.Set(now, int64(a.currentViewers))
	a.seq++
	a.lastUpdated = now
}

func (a *Accumulator) snapshot() models.Snapshot {
	geo := make(map[string]int, len(a.geo))
	for k, v := range a.geo {
		geo[k] = v
	}
	devices := make(map[string]int, len(a.devices))
	for k, v := range a.devices {
		devices[k] = v
	}
	return models.Snapshot{
		StreamID:               a.streamID,
		CurrentViewers:         a.currentViewers,
		PeakViewers:            a.peakViewers,
		TotalViews:             a.totalViews,
		ChatMessageCount:       a.chatMessages,
		Reactions:              a.reactions,
		GeographicDistribution: geo,
		DeviceDistribution:     devices,
		ViewerTimeline:         a.viewerTimeline.Points(),
		ChatActivityTimeline:   a.chatTimeline.Points(),
		Technical:              a.technical,
		Ended:                  a.ended,
		Seq:                    a.seq,
		LastUpdated:            a.lastUpdated,
	}
}

func normalizeCountry(c string) string { return strings.ToUpper(strings.TrimSpace(c)) }

func normalizeDevice(d string) string { return strings.ToLower(strings.TrimSpace(d)) }

func increment(m map[string]int, key string) {
	if key != "" {
		m[key]++
	}
}

func decrement(m map[string]int, key string) bool {
	n, ok := m[key]
	if key == "" || !ok {
		return false
	}
	if n <= 1 {
		delete(m, key)
	} else {
		m[key] = n - 1
	}
	return true
}
