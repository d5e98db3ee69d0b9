package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/aura-webinar/live-metrics/internal/models"
)

// State is what a dashboard renders for one stream.
type State struct {
	Snapshot    models.Snapshot
	IsConnected bool
	LastUpdated time.Time
	Mode        Mode
	// Discarded counts snapshots dropped for arriving out of order.
	Discarded int
}

// field keys for per-field freshness
const (
	fieldCurrentViewers = "current_viewers"
	fieldTotalViews     = "total_views"
	fieldChatMessages   = "chat_message_count"
	fieldReactions      = "reactions"
	fieldGeo            = "geographic_distribution"
	fieldDevices        = "device_distribution"
	fieldTechnical      = "technical"
)

// Reconciler merges deliveries into a single consistent State. A full snapshot replaces the
// held one only when it is newer; partial updates merge field by field. Metrics are never
// cleared by a connectivity change.
type Reconciler struct {
	mu       sync.Mutex
	state    State
	capacity int
	fieldAt  map[string]time.Time
}

// NewReconciler creates a reconciler holding the empty snapshot for streamID.
func NewReconciler(streamID string, timelineCapacity int) *Reconciler {
	if timelineCapacity <= 0 {
		timelineCapacity = 24
	}
	return &Reconciler{
		state:    State{Snapshot: models.EmptySnapshot(streamID)},
		capacity: timelineCapacity,
		fieldAt:  make(map[string]time.Time),
	}
}

// State returns a copy of the reconciled state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state
	out.Snapshot = r.state.Snapshot.Clone()
	return out
}

// Apply merges one delivery and reports whether the visible state changed.
func (r *Reconciler) Apply(d Delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	if r.state.IsConnected != d.Connected {
		r.state.IsConnected = d.Connected
		changed = true
	}
	if d.Mode != "" && r.state.Mode != d.Mode {
		r.state.Mode = d.Mode
		changed = true
	}
	if d.Update != nil && r.applySnapshot(d.Update.Snapshot) {
		changed = true
	}
	if d.Partial != nil && r.applyPartial(*d.Partial) {
		changed = true
	}
	return changed
}

// newer orders snapshots by lastUpdated, then seq.
func newer(s models.Snapshot, held models.Snapshot) bool {
	if s.LastUpdated.Equal(held.LastUpdated) {
		return s.Seq > held.Seq
	}
	return s.LastUpdated.After(held.LastUpdated)
}

func (r *Reconciler) applySnapshot(s models.Snapshot) bool {
	held := r.state.Snapshot
	if s.StreamID != "" && s.StreamID != held.StreamID {
		return false
	}
	if !newer(s, held) {
		if s.LastUpdated.Before(held.LastUpdated) || s.Seq < held.Seq {
			r.state.Discarded++
		}
		return false
	}

	next := s.Clone()
	next.StreamID = held.StreamID
	if held.PeakViewers > next.PeakViewers {
		next.PeakViewers = held.PeakViewers
	}
	next.ViewerTimeline = concatTimeline(held.ViewerTimeline, s.ViewerTimeline, r.capacity)
	next.ChatActivityTimeline = concatTimeline(held.ChatActivityTimeline, s.ChatActivityTimeline, r.capacity)
	if next.GeographicDistribution == nil {
		next.GeographicDistribution = map[string]int{}
	}
	if next.DeviceDistribution == nil {
		next.DeviceDistribution = map[string]int{}
	}
	clampPeak(&next)

	r.state.Snapshot = next
	if s.LastUpdated.After(r.state.LastUpdated) {
		r.state.LastUpdated = s.LastUpdated
	}
	for _, f := range []string{fieldCurrentViewers, fieldTotalViews, fieldChatMessages, fieldReactions, fieldGeo, fieldDevices, fieldTechnical} {
		r.fieldAt[f] = s.LastUpdated
	}
	return true
}

func (r *Reconciler) applyPartial(p models.PartialMetrics) bool {
	snap := &r.state.Snapshot
	if p.StreamID != "" && p.StreamID != snap.StreamID {
		return false
	}
	changed := false
	fresh := func(field string) bool {
		if p.LastUpdated.Before(r.fieldAt[field]) {
			return false
		}
		r.fieldAt[field] = p.LastUpdated
		changed = true
		return true
	}

	if p.CurrentViewers != nil && fresh(fieldCurrentViewers) {
		snap.CurrentViewers = *p.CurrentViewers
	}
	if p.TotalViews != nil && fresh(fieldTotalViews) {
		snap.TotalViews = *p.TotalViews
	}
	if p.ChatMessageCount != nil && fresh(fieldChatMessages) {
		snap.ChatMessageCount = *p.ChatMessageCount
	}
	if p.Reactions != nil && fresh(fieldReactions) {
		snap.Reactions = *p.Reactions
	}
	if p.GeographicDistribution != nil && fresh(fieldGeo) {
		snap.GeographicDistribution = copyCounts(p.GeographicDistribution)
	}
	if p.DeviceDistribution != nil && fresh(fieldDevices) {
		snap.DeviceDistribution = copyCounts(p.DeviceDistribution)
	}
	if p.Technical != nil && fresh(fieldTechnical) {
		snap.Technical = *p.Technical
	}
	if p.PeakViewers != nil && *p.PeakViewers > snap.PeakViewers {
		snap.PeakViewers = *p.PeakViewers
		changed = true
	}
	if len(p.ViewerTimeline) > 0 {
		snap.ViewerTimeline = concatTimeline(snap.ViewerTimeline, p.ViewerTimeline, r.capacity)
		changed = true
	}
	if len(p.ChatActivityTimeline) > 0 {
		snap.ChatActivityTimeline = concatTimeline(snap.ChatActivityTimeline, p.ChatActivityTimeline, r.capacity)
		changed = true
	}
	if !changed {
		return false
	}
	clampPeak(snap)
	if p.LastUpdated.After(r.state.LastUpdated) {
		r.state.LastUpdated = p.LastUpdated
	}
	return true
}

func clampPeak(s *models.Snapshot) {
	if s.CurrentViewers < 0 {
		s.CurrentViewers = 0
	}
	if s.PeakViewers < s.CurrentViewers {
		s.PeakViewers = s.CurrentViewers
	}
}

// concatTimeline appends incoming samples to held, keeps the incoming value where the
// timestamps collide, and keeps the most recent capacity points in time order.
func concatTimeline(held, incoming []models.TimelinePoint, capacity int) []models.TimelinePoint {
	byTS := make(map[int64]models.TimelinePoint, len(held)+len(incoming))
	for _, p := range held {
		byTS[p.Timestamp.UnixNano()] = p
	}
	for _, p := range incoming {
		byTS[p.Timestamp.UnixNano()] = p
	}
	out := make([]models.TimelinePoint, 0, len(byTS))
	for _, p := range byTS {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > capacity {
		out = out[len(out)-capacity:]
	}
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
