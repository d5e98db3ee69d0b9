package aggregator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Start launches the sweeper that expires silent viewers and evicts finished streams.
// Call Stop to release it.
func (s *Store) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info("metrics sweeper started", zap.Duration("interval", s.cfg.SweepInterval))
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("metrics sweeper stopped")
}

func (s *Store) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	ExpiredViewers int
	Evicted        int
}

// Sweep applies implicit leaves for viewers whose heartbeat is older than HeartbeatTimeout
// and evicts streams that ended (or went idle with no viewers) long enough ago.
func (s *Store) Sweep(now time.Time) SweepResult {
	var res SweepResult
	cutoff := now.Add(-s.cfg.HeartbeatTimeout)
	h := s.getHooks()
	for _, e := range s.entries() {
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		prev := e.acc.currentViewers
		expired := e.acc.expireViewers(cutoff)
		if expired > 0 {
			e.acc.commit(now)
			res.ExpiredViewers += expired
		}
		ch := Change{StreamID: e.acc.streamID, Changed: expired > 0, PrevViewers: prev, Viewers: e.acc.currentViewers}

		idle := now.Sub(e.acc.lastEventAt)
		var reason models.EvictReason
		switch {
		case e.acc.ended && idle >= s.cfg.EndedGrace:
			reason = models.EvictEnded
		case s.cfg.IdleTimeout > 0 && e.acc.currentViewers == 0 && idle >= s.cfg.IdleTimeout:
			reason = models.EvictIdle
		}
		var summary models.StreamSummary
		if reason != "" {
			summary = s.kill(e, reason)
		}
		e.mu.Unlock()

		if expired > 0 {
			metrics.ExpiredViewers.Add(float64(expired))
			s.logger.Debug("viewers timed out",
				zap.String("stream_id", ch.StreamID),
				zap.Int("expired", expired),
				zap.Int("current_viewers", ch.Viewers),
			)
			if h.OnChange != nil {
				h.OnChange(ch)
			}
		}
		if reason != "" {
			s.release(e, summary)
			res.Evicted++
		}
	}
	return res
}
