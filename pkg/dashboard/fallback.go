package dashboard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// FallbackFeed uses push first and switches to poll for the rest of the session when push
// is exhausted or drops DropLimit times within DropWindow.
type FallbackFeed struct {
	push       Feed
	poll       Feed
	dropLimit  int
	dropWindow time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewFallbackFeed combines a push and a poll feed.
func NewFallbackFeed(push, poll Feed, cfg Config, logger *zap.Logger) *FallbackFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &FallbackFeed{
		push:       push,
		poll:       poll,
		dropLimit:  cfg.DropLimit,
		dropWindow: cfg.DropWindow,
		now:        time.Now,
		logger:     logger,
	}
}

// Stream implements Feed.
func (f *FallbackFeed) Stream(ctx context.Context, streamID string) (<-chan Delivery, error) {
	out := make(chan Delivery, 16)
	go f.run(ctx, streamID, out)
	return out, nil
}

func (f *FallbackFeed) run(ctx context.Context, streamID string, out chan<- Delivery) {
	defer close(out)

	if !f.runPush(ctx, streamID, out) {
		return
	}
	f.logger.Info("push unavailable, falling back to poll", zap.String("stream_id", streamID))

	pollCh, err := f.poll.Stream(ctx, streamID)
	if err != nil {
		f.logger.Warn("poll feed failed to start", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	for d := range pollCh {
		if !send(ctx, out, d) {
			break
		}
	}
	for range pollCh {
	}
}

// runPush forwards push deliveries and reports whether the session should fall back.
func (f *FallbackFeed) runPush(ctx context.Context, streamID string, out chan<- Delivery) bool {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushCh, err := f.push.Stream(pctx, streamID)
	if err != nil {
		f.logger.Debug("push feed failed to start", zap.String("stream_id", streamID), zap.Error(err))
		return ctx.Err() == nil
	}
	defer func() {
		cancel()
		for range pushCh {
		}
	}()

	var (
		connected bool
		drops     []time.Time
	)
	for d := range pushCh {
		if errors.Is(d.Err, ErrPushExhausted) {
			return ctx.Err() == nil
		}
		if connected && !d.Connected {
			now := f.now()
			drops = append(drops, now)
			for len(drops) > 0 && now.Sub(drops[0]) > f.dropWindow {
				drops = drops[1:]
			}
			if len(drops) >= f.dropLimit {
				send(ctx, out, Delivery{Mode: ModePush})
				return ctx.Err() == nil
			}
		}
		connected = d.Connected
		if !send(ctx, out, d) {
			return false
		}
	}
	return ctx.Err() == nil
}
