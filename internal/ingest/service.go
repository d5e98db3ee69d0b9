package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/aggregator"
	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Recorder receives every applied event for best-effort durable bookkeeping.
// Implementations must not block.
type Recorder interface {
	Record(ctx context.Context, ev models.Event, ch aggregator.Change)
}

// Config holds ingest settings.
type Config struct {
	DedupSize int
	DedupTTL  time.Duration
}

// Service is the ingest point: it validates nothing itself (see Decode) but applies typed
// events to the aggregation store, idempotently when the event carries an id.
type Service struct {
	store    *aggregator.Store
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	dedupMu sync.Mutex
	seen    *expirable.LRU[string, struct{}]
}

// NewService creates an ingest service. recorder may be nil.
func NewService(store *aggregator.Store, recorder Recorder, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 100000
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Service{
		store:    store,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
	}
}

// IngestRaw decodes and applies a JSON event. Malformed input is logged, counted and
// returned as an error wrapping ErrMalformedEvent; it never affects any accumulator.
func (s *Service) IngestRaw(ctx context.Context, raw []byte) error {
	ev, err := Decode(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed metrics event", zap.Error(err), zap.Int("bytes", len(raw)))
		return err
	}
	s.Ingest(ctx, ev)
	return nil
}

// Ingest applies a decoded event. It reports false when the event was a duplicate.
func (s *Service) Ingest(ctx context.Context, ev models.Event) bool {
	if ev.EventID != "" && s.duplicate(ev.StreamID, ev.EventID) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate metrics event", zap.String("stream_id", ev.StreamID), zap.String("event_id", ev.EventID))
		return false
	}

	now := s.now()
	ts := ev.Timestamp
	if ts.IsZero() || ts.After(now) {
		ts = now
	}

	var unknownViewer bool
	ch := s.store.Apply(ev.StreamID, func(a *aggregator.Accumulator) bool {
		switch ev.Type {
		case models.EventJoin:
			return a.Join(*ev.Join, now)
		case models.EventLeave:
			return a.Leave(*ev.Leave)
		case models.EventChat:
			return a.Chat(ts)
		case models.EventHeartbeat:
			unknownViewer = !a.Heartbeat(ev.Heartbeat.ViewerID, now)
			return false
		case models.EventTechnical:
			return a.Technical(*ev.Technical)
		case models.EventReaction:
			return a.Reaction()
		}
		return false
	})
	if ch.Created {
		s.logger.Info("tracking stream metrics", zap.String("stream_id", ev.StreamID))
	}
	if unknownViewer {
		s.logger.Debug("heartbeat for untracked viewer",
			zap.String("stream_id", ev.StreamID),
			zap.String("viewer_id", ev.Heartbeat.ViewerID),
		)
	}
	metrics.EventsIngested.WithLabelValues(string(ev.Type)).Inc()
	if s.recorder != nil {
		s.recorder.Record(ctx, ev, ch)
	}
	return true
}

// EndStream applies the explicit stream-ended signal.
func (s *Service) EndStream(_ context.Context, streamID string) {
	s.store.End(streamID)
	s.logger.Info("stream ended", zap.String("stream_id", streamID))
}

func (s *Service) duplicate(streamID, eventID string) bool {
	key := streamID + "/" + eventID
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if s.seen.Contains(key) {
		return true
	}
	s.seen.Add(key, struct{}{})
	return false
}
