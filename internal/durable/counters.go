// Package durable mirrors headline stream counters into Redis on a best-effort side
// channel. Nothing on the ingest or fan-out path ever waits on it.
package durable

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/aura-webinar/live-metrics/internal/aggregator"
	"github.com/aura-webinar/live-metrics/internal/metrics"
	"github.com/aura-webinar/live-metrics/internal/models"
)

// Hash fields under metrics:{streamId}.
const (
	FieldTotalViews     = "totalViews"
	FieldChatMessages   = "chatMessages"
	FieldReactions      = "reactions"
	FieldPeakViewers    = "peakViewers"
	FieldCurrentViewers = "currentViewers"
)

// CountersKey returns the hash key holding a stream's counters.
func CountersKey(streamID string) string { return "metrics:" + streamID }

// ViewerStreamKey returns the Redis stream key holding viewer count samples.
func ViewerStreamKey(streamID string) string { return "analytics:" + streamID + ":viewers" }

// peakScript raises peakViewers only when the new value is higher.
var peakScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local val = tonumber(ARGV[2])
if val > cur then
  redis.call('HSET', KEYS[1], ARGV[1], val)
  return val
end
return cur
`)

// Config holds side-channel settings.
type Config struct {
	Buffer           int
	StreamMaxLen     int64
	WriteTimeout     time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

type write struct {
	streamID string
	typ      models.EventType
	change   aggregator.Change
	at       time.Time
}

// CounterStore implements ingest.Recorder. Writes are queued on a bounded channel and
// dropped when it is full or the breaker is open.
type CounterStore struct {
	rdb     redis.UniversalClient
	cfg     Config
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger

	writes chan write
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCounterStore creates a counter store writing through rdb.
func NewCounterStore(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *CounterStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &CounterStore{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		writes: make(chan write, cfg.Buffer),
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "durable-counters",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logger.Warn("durable store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Record queues the durable side effects of an applied event. It never blocks.
func (c *CounterStore) Record(_ context.Context, ev models.Event, ch aggregator.Change) {
	switch ev.Type {
	case models.EventJoin, models.EventLeave, models.EventChat, models.EventReaction:
	default:
		return
	}
	if !ch.Changed {
		return
	}
	select {
	case c.writes <- write{streamID: ev.StreamID, typ: ev.Type, change: ch, at: time.Now()}:
	default:
		metrics.DurableWrites.WithLabelValues("dropped").Inc()
	}
}

// Start launches the writer goroutine.
func (c *CounterStore) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop halts the writer. Queued writes that were not flushed are discarded.
func (c *CounterStore) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *CounterStore) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-c.writes:
			c.flush(ctx, w)
		}
	}
}

func (c *CounterStore) flush(ctx context.Context, w write) {
	_, err := c.breaker.Execute(func() (any, error) {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
		return nil, c.apply(wctx, w)
	})
	switch {
	case err == nil:
		metrics.DurableWrites.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.DurableWrites.WithLabelValues("rejected").Inc()
	default:
		metrics.DurableWrites.WithLabelValues("error").Inc()
		c.logger.Debug("durable counter write failed", zap.String("stream_id", w.streamID), zap.Error(err))
	}
}

func (c *CounterStore) apply(ctx context.Context, w write) error {
	key := CountersKey(w.streamID)
	pipe := c.rdb.TxPipeline()
	switch w.typ {
	case models.EventJoin:
		pipe.HIncrBy(ctx, key, FieldTotalViews, 1)
	case models.EventChat:
		pipe.HIncrBy(ctx, key, FieldChatMessages, 1)
	case models.EventReaction:
		pipe.HIncrBy(ctx, key, FieldReactions, 1)
	}
	if w.change.Viewers != w.change.PrevViewers {
		pipe.HSet(ctx, key, FieldCurrentViewers, w.change.Viewers)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: ViewerStreamKey(w.streamID),
			MaxLen: c.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"viewers": w.change.Viewers,
				"ts":      w.at.UnixMilli(),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("counter pipeline: %w", err)
	}
	if w.change.Viewers > w.change.PrevViewers {
		if err := peakScript.Run(ctx, c.rdb, []string{key}, FieldPeakViewers, w.change.Viewers).Err(); err != nil {
			return fmt.Errorf("peak script: %w", err)
		}
	}
	return nil
}

// Counters reads back the stored counters for a stream. Missing fields read as zero.
func (c *CounterStore) Counters(ctx context.Context, streamID string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, CountersKey(streamID)).Result()
	if err != nil {
		return nil, err
	}
	out := map[string]int64{
		FieldTotalViews:     0,
		FieldChatMessages:   0,
		FieldReactions:      0,
		FieldPeakViewers:    0,
		FieldCurrentViewers: 0,
	}
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}
