package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Deliverer hands an update to a stream's push sessions.
type Deliverer interface {
	Deliver(streamID string, u models.Update)
}

// PublisherConfig controls push cadence.
type PublisherConfig struct {
	// Interval is the push cadence T.
	Interval time.Duration
	// ChangeThresholdPct is the relative viewer change that triggers an immediate push.
	ChangeThresholdPct float64
	// MinGap is the minimum spacing between change-triggered pushes.
	MinGap time.Duration
	// SkipUntracked suppresses pushes for streams this instance does not hold, so a
	// relayed deployment never overwrites the owner's snapshot with an empty one.
	SkipUntracked bool
}

// DefaultPublisherConfig returns the default push cadence.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Interval:           5 * time.Second,
		ChangeThresholdPct: 10,
		MinGap:             time.Second,
	}
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	def := DefaultPublisherConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ChangeThresholdPct <= 0 {
		c.ChangeThresholdPct = def.ChangeThresholdPct
	}
	if c.MinGap <= 0 {
		c.MinGap = def.MinGap
	}
	return c
}

// Publisher pushes one stream's snapshot to its subscribers every Interval, and sooner
// when the viewer count moves sharply.
type Publisher struct {
	streamID string
	source   SnapshotSource
	out      Deliverer
	cfg      PublisherConfig
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nudgeCh chan struct{}
}

// NewPublisher creates a publisher for a stream.
func NewPublisher(streamID string, source SnapshotSource, out Deliverer, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Publisher{
		streamID: streamID,
		source:   source,
		out:      out,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinGap), 1),
		logger:   logger,
		nudgeCh:  make(chan struct{}, 1),
	}
}

// Start begins the push loop. Call Stop to release resources.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Debug("metrics publisher started", zap.String("stream_id", p.streamID), zap.Duration("interval", p.cfg.Interval))
}

// Stop halts the push loop and waits for it to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	<-p.done
	p.logger.Debug("metrics publisher stopped", zap.String("stream_id", p.streamID))
}

// Nudge requests an immediate push when the viewer count moved by more than the
// threshold. Pushes it triggers are spaced by at least MinGap; a suppressed change is
// picked up by the next tick. It reports whether a push was scheduled.
func (p *Publisher) Nudge(prev, cur int) bool {
	if !Significant(prev, cur, p.cfg.ChangeThresholdPct) {
		return false
	}
	if !p.limiter.Allow() {
		return false
	}
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
	return true
}

// Significant reports whether moving from prev to cur viewers exceeds pct percent of prev.
// Any change away from zero is significant.
func Significant(prev, cur int, pct float64) bool {
	delta := cur - prev
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		return false
	}
	if prev <= 0 {
		return true
	}
	return float64(delta)*100 > pct*float64(prev)
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.nudgeCh:
			p.publish("change")
		case <-ticker.C:
			p.publish("tick")
		}
	}
}

func (p *Publisher) publish(trigger string) {
	snap, ok := p.source.Snapshot(p.streamID)
	if !ok {
		if p.cfg.SkipUntracked {
			return
		}
		snap = models.EmptySnapshot(p.streamID)
	}
	p.out.Deliver(p.streamID, models.NewUpdate(snap))
	metrics.PushDeliveries.WithLabelValues(trigger).Inc()
}
