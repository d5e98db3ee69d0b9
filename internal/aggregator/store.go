package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Config holds accumulator sizing and lifecycle settings.
type Config struct {
	TimelineCapacity int
	BucketSize       time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	EndedGrace       time.Duration
	IdleTimeout      time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TimelineCapacity: 24,
		BucketSize:       10 * time.Second,
		HeartbeatTimeout: 45 * time.Second,
		SweepInterval:    10 * time.Second,
		EndedGrace:       time.Minute,
		IdleTimeout:      10 * time.Minute,
	}
}

// Change describes the effect of one Apply call.
type Change struct {
	StreamID    string
	Created     bool
	Changed     bool
	PrevViewers int
	Viewers     int
}

// Hooks are invoked outside of any stream lock.
type Hooks struct {
	OnCreate func(streamID string)
	OnChange func(Change)
	OnEvict  func(models.StreamSummary)
}

type entry struct {
	mu   sync.Mutex
	acc  *Accumulator
	dead bool
}

// Store is the canonical in-memory state of every tracked stream. Mutations of one stream
// are serialized on that stream's lock; different streams proceed in parallel.
type Store struct {
	cfg     Config
	mu      sync.RWMutex
	streams map[string]*entry
	hooks   Hooks
	now     func() time.Time
	logger  *zap.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates an empty store. Zero config fields take their defaults.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.TimelineCapacity <= 0 {
		cfg.TimelineCapacity = def.TimelineCapacity
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = def.BucketSize
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.EndedGrace <= 0 {
		cfg.EndedGrace = def.EndedGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		streams: make(map[string]*entry),
		now:     time.Now,
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// SetHooks installs lifecycle callbacks. Call before Start.
func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *Store) getHooks() Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks
}

func (s *Store) getOrCreate(streamID string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok {
		return e, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.streams[streamID]; ok {
		return e, false
	}
	e = &entry{acc: newAccumulator(streamID, s.cfg, s.now())}
	s.streams[streamID] = e
	metrics.ActiveStreams.Set(float64(len(s.streams)))
	return e, true
}

// Apply runs fn against the stream's accumulator, creating it on first use. fn reports
// whether it made a visible change; only then are the invariants re-established, the
// sequence number bumped and lastUpdated stamped.
func (s *Store) Apply(streamID string, fn func(*Accumulator) bool) Change {
	for {
		e, created := s.getOrCreate(streamID)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		now := s.now()
		ch := Change{StreamID: streamID, Created: created, PrevViewers: e.acc.currentViewers}
		ch.Changed = fn(e.acc)
		e.acc.lastEventAt = now
		if ch.Changed {
			e.acc.commit(now)
		}
		ch.Viewers = e.acc.currentViewers
		e.mu.Unlock()

		h := s.getHooks()
		if created && h.OnCreate != nil {
			h.OnCreate(streamID)
		}
		if ch.Changed && h.OnChange != nil {
			h.OnChange(ch)
		}
		return ch
	}
}

// Snapshot returns a deep copy of the stream's metrics. The second result is false when
// the stream is not tracked, which callers treat as "no activity yet".
func (s *Store) Snapshot(streamID string) (models.Snapshot, bool) {
	s.mu.RLock()
	e, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return models.Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return models.Snapshot{}, false
	}
	return e.acc.snapshot(), true
}

// Active lists every tracked stream ordered by id.
func (s *Store) Active() []models.StreamStatus {
	entries := s.entries()
	out := make([]models.StreamStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead {
			out = append(out, models.StreamStatus{
				StreamID:       e.acc.streamID,
				CurrentViewers: e.acc.currentViewers,
				PeakViewers:    e.acc.peakViewers,
				Ended:          e.acc.ended,
				LastUpdated:    e.acc.lastUpdated,
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Len returns the number of tracked streams.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// End marks a stream as ended. It is evicted once EndedGrace passes without events.
func (s *Store) End(streamID string) Change {
	return s.Apply(streamID, func(a *Accumulator) bool { return a.End() })
}

// Evict releases a stream immediately. It reports false if the stream was not tracked.
func (s *Store) Evict(streamID string, reason models.EvictReason) bool {
	s.mu.RLock()
	e, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return false
	}
	summary := s.kill(e, reason)
	e.mu.Unlock()
	s.release(e, summary)
	return true
}

// kill must be called with e.mu held.
func (s *Store) kill(e *entry, reason models.EvictReason) models.StreamSummary {
	e.dead = true
	return models.StreamSummary{Snapshot: e.acc.snapshot(), Reason: reason, EvictedAt: s.now()}
}

func (s *Store) release(e *entry, summary models.StreamSummary) {
	s.mu.Lock()
	if cur, ok := s.streams[e.acc.streamID]; ok && cur == e {
		delete(s.streams, e.acc.streamID)
	}
	metrics.ActiveStreams.Set(float64(len(s.streams)))
	s.mu.Unlock()
	s.logger.Info("stream metrics evicted",
		zap.String("stream_id", summary.Snapshot.StreamID),
		zap.String("reason", string(summary.Reason)),
		zap.Int("peak_viewers", summary.Snapshot.PeakViewers),
	)
	if h := s.getHooks(); h.OnEvict != nil {
		h.OnEvict(summary)
	}
}

func (s *Store) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.streams))
	for _, e := range s.streams {
		out = append(out, e)
	}
	return out
}
