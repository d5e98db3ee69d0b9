package models

import "time"

// TimelinePoint is one bucketed sample of a bounded timeline.
type TimelinePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int64     `json:"value"`
}

// TechnicalMetrics holds the latest delivery health values for a stream.
type TechnicalMetrics struct {
	BitrateKbps     float64 `json:"bitrate_kbps"`
	LatencyMs       float64 `json:"latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
	BufferingEvents int64   `json:"buffering_events"`
}

// Snapshot is an immutable point-in-time copy of a stream's aggregated metrics.
type Snapshot struct {
	StreamID               string           `json:"stream_id"`
	CurrentViewers         int              `json:"current_viewers"`
	PeakViewers            int              `json:"peak_viewers"`
	TotalViews             int64            `json:"total_views"`
	ChatMessageCount       int64            `json:"chat_message_count"`
	Reactions              int64            `json:"reactions"`
	GeographicDistribution map[string]int   `json:"geographic_distribution"`
	DeviceDistribution     map[string]int   `json:"device_distribution"`
	ViewerTimeline         []TimelinePoint  `json:"viewer_timeline"`
	ChatActivityTimeline   []TimelinePoint  `json:"chat_activity_timeline"`
	Technical              TechnicalMetrics `json:"technical"`
	Ended                  bool             `json:"ended"`
	Seq                    uint64           `json:"seq"`
	LastUpdated            time.Time        `json:"last_updated"`
}

// EmptySnapshot returns the zeroed snapshot served for streams with no activity.
func EmptySnapshot(streamID string) Snapshot {
	return Snapshot{
		StreamID:               streamID,
		GeographicDistribution: map[string]int{},
		DeviceDistribution:     map[string]int{},
		ViewerTimeline:         []TimelinePoint{},
		ChatActivityTimeline:   []TimelinePoint{},
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.GeographicDistribution = cloneCounts(s.GeographicDistribution)
	out.DeviceDistribution = cloneCounts(s.DeviceDistribution)
	out.ViewerTimeline = append(make([]TimelinePoint, 0, len(s.ViewerTimeline)), s.ViewerTimeline...)
	out.ChatActivityTimeline = append(make([]TimelinePoint, 0, len(s.ChatActivityTimeline)), s.ChatActivityTimeline...)
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Update is the envelope delivered to dashboards over push or poll.
type Update struct {
	Snapshot    Snapshot  `json:"snapshot"`
	IsConnected bool      `json:"is_connected"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewUpdate wraps a snapshot for delivery from a reachable server.
func NewUpdate(s Snapshot) Update {
	return Update{Snapshot: s, IsConnected: true, LastUpdated: s.LastUpdated}
}

// PartialMetrics is a sub-metric update from a single source. Nil fields are absent.
type PartialMetrics struct {
	Source                 string            `json:"source,omitempty"`
	StreamID               string            `json:"stream_id"`
	CurrentViewers         *int              `json:"current_viewers,omitempty"`
	PeakViewers            *int              `json:"peak_viewers,omitempty"`
	TotalViews             *int64            `json:"total_views,omitempty"`
	ChatMessageCount       *int64            `json:"chat_message_count,omitempty"`
	Reactions              *int64            `json:"reactions,omitempty"`
	GeographicDistribution map[string]int    `json:"geographic_distribution,omitempty"`
	DeviceDistribution     map[string]int    `json:"device_distribution,omitempty"`
	ViewerTimeline         []TimelinePoint   `json:"viewer_timeline,omitempty"`
	ChatActivityTimeline   []TimelinePoint   `json:"chat_activity_timeline,omitempty"`
	Technical              *TechnicalMetrics `json:"technical,omitempty"`
	LastUpdated            time.Time         `json:"last_updated"`
}

// StreamStatus is a row of the active streams listing.
type StreamStatus struct {
	StreamID       string    `json:"stream_id"`
	CurrentViewers int       `json:"current_viewers"`
	PeakViewers    int       `json:"peak_viewers"`
	Ended          bool      `json:"ended"`
	LastUpdated    time.Time `json:"last_updated"`
}
