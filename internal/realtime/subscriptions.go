package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Subscriptions is the table of dashboard sessions and the stream each one watches.
// Push sessions live as long as their websocket; poll sessions expire when the client
// stops polling.
type Subscriptions struct {
	mu     sync.Mutex
	subs   map[string]*models.Subscription
	now    func() time.Time
	logger *zap.Logger
}

// NewSubscriptions creates an empty subscription table.
func NewSubscriptions(logger *zap.Logger) *Subscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriptions{
		subs:   make(map[string]*models.Subscription),
		now:    time.Now,
		logger: logger,
	}
}

// Touch records a delivery to sessionID, registering the session on first sight.
// A session that switches stream or channel is re-registered. It reports whether the
// session was new.
func (s *Subscriptions) Touch(sessionID, streamID string, ch models.Channel) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[sessionID]; ok && sub.StreamID == streamID && sub.Channel == ch {
		sub.LastDeliveredAt = now
		return false
	} else if ok {
		metrics.Subscriptions.WithLabelValues(string(sub.Channel)).Dec()
	}
	s.subs[sessionID] = &models.Subscription{
		SessionID:       sessionID,
		StreamID:        streamID,
		Channel:         ch,
		LastDeliveredAt: now,
	}
	metrics.Subscriptions.WithLabelValues(string(ch)).Inc()
	return true
}

// Delivered stamps a delivery on an existing session. Unknown sessions are ignored.
func (s *Subscriptions) Delivered(sessionID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[sessionID]; ok {
		sub.LastDeliveredAt = now
	}
}

// Remove drops a session. It reports whether the session existed.
func (s *Subscriptions) Remove(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[sessionID]
	if !ok {
		return false
	}
	delete(s.subs, sessionID)
	metrics.Subscriptions.WithLabelValues(string(sub.Channel)).Dec()
	return true
}

// Get returns a copy of a session's subscription.
func (s *Subscriptions) Get(sessionID string) (models.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[sessionID]
	if !ok {
		return models.Subscription{}, false
	}
	return *sub, true
}

// ForStream lists the sessions watching streamID ordered by session id.
func (s *Subscriptions) ForStream(streamID string) []models.Subscription {
	s.mu.Lock()
	out := make([]models.Subscription, 0)
	for _, sub := range s.subs {
		if sub.StreamID == streamID {
			out = append(out, *sub)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of sessions.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Expire removes poll sessions with no delivery since now-timeout and returns them.
// Push sessions are owned by their connection and never expire here.
func (s *Subscriptions) Expire(now time.Time, timeout time.Duration) []models.Subscription {
	cutoff := now.Add(-timeout)
	var out []models.Subscription
	s.mu.Lock()
	for id, sub := range s.subs {
		if sub.Channel == models.ChannelPoll && sub.LastDeliveredAt.Before(cutoff) {
			out = append(out, *sub)
			delete(s.subs, id)
			metrics.Subscriptions.WithLabelValues(string(sub.Channel)).Dec()
		}
	}
	s.mu.Unlock()
	return out
}

// Run expires idle poll sessions every interval until ctx is done.
func (s *Subscriptions) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.Expire(s.now(), timeout); len(expired) > 0 {
				s.logger.Debug("poll sessions expired", zap.Int("count", len(expired)))
			}
		}
	}
}
