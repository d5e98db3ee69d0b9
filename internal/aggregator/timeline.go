package aggregator

import (
	"time"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// Timeline is a bounded, chronologically ordered sequence of bucketed samples.
// When full, appending a new bucket evicts the oldest one.
type Timeline struct {
	capacity    int
	granularity time.Duration
	points      []models.TimelinePoint
}

// NewTimeline creates a timeline holding at most capacity buckets of the given width.
func NewTimeline(capacity int, granularity time.Duration) *Timeline {
	if capacity <= 0 {
		capacity = 24
	}
	return &Timeline{
		capacity:    capacity,
		granularity: granularity,
		points:      make([]models.TimelinePoint, 0, capacity),
	}
}

// Add accumulates delta into the bucket containing ts. A late sample falling in a gap
// between retained buckets gets its own bucket; samples older than the oldest retained
// bucket are dropped.
func (t *Timeline) Add(ts time.Time, delta int64) bool {
	return t.upsert(ts, func(p *models.TimelinePoint) { p.Value += delta })
}

// Set stores v as the value of the bucket containing ts.
func (t *Timeline) Set(ts time.Time, v int64) bool {
	return t.upsert(ts, func(p *models.TimelinePoint) { p.Value = v })
}

// Points returns a copy of the samples, oldest first.
func (t *Timeline) Points() []models.TimelinePoint {
	return append(make([]models.TimelinePoint, 0, len(t.points)), t.points...)
}

// Len returns the number of buckets held.
func (t *Timeline) Len() int { return len(t.points) }

// Capacity returns the bucket ceiling.
func (t *Timeline) Capacity() int { return t.capacity }

func (t *Timeline) bucket(ts time.Time) time.Time {
	ts = ts.UTC()
	if t.granularity <= 0 {
		return ts
	}
	return ts.Truncate(t.granularity)
}

func (t *Timeline) upsert(ts time.Time, apply func(*models.TimelinePoint)) bool {
	b := t.bucket(ts)
	n := len(t.points)
	if n == 0 || b.After(t.points[n-1].Timestamp) {
		if n == t.capacity {
			copy(t.points, t.points[1:])
			t.points = t.points[:n-1]
		}
		t.points = append(t.points, models.TimelinePoint{Timestamp: b})
		apply(&t.points[len(t.points)-1])
		return true
	}
	for i := n - 1; i >= 0; i-- {
		switch {
		case t.points[i].Timestamp.Equal(b):
			apply(&t.points[i])
			return true
		case t.points[i].Timestamp.Before(b):
			return t.insertAt(i+1, b, apply)
		}
	}
	return false
}

// insertAt places a new bucket at index i, evicting the oldest bucket when full.
// Callers guarantee points[i-1] < b < points[i].
func (t *Timeline) insertAt(i int, b time.Time, apply func(*models.TimelinePoint)) bool {
	if len(t.points) == t.capacity {
		copy(t.points, t.points[1:])
		t.points = t.points[:len(t.points)-1]
		i--
	}
	t.points = append(t.points, models.TimelinePoint{})
	copy(t.points[i+1:], t.points[i:])
	t.points[i] = models.TimelinePoint{Timestamp: b}
	apply(&t.points[i])
	return true
}
