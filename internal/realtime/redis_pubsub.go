package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "stream-metrics:"
	publishTimeout = 5 * time.Second
)

// ChannelName returns the Redis channel carrying a stream's updates.
func ChannelName(streamID string) string { return channelPrefix + streamID }

// RedisRelay fans metrics updates out to every instance holding push sessions for a stream.
type RedisRelay struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisRelay creates a Redis pub/sub relay.
func NewRedisRelay(client redis.UniversalClient, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

// Publish sends an encoded message to the stream's channel.
func (r *RedisRelay) Publish(streamID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, ChannelName(streamID), payload).Err()
}

// Subscribe calls handler for every message on the stream's channel until cancel is called.
func (r *RedisRelay) Subscribe(streamID string, handler func(payload []byte)) (cancel func(), err error) {
	channel := ChannelName(streamID)
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	r.logger.Debug("relay subscribed", zap.String("channel", channel))
	return cancelCtx, nil
}
