package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix namespaces run channels on redis
const ChannelPrefix = "kairos:runs:"

// RedisConfig holds connection parameters for the bridge
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
}

// Publisher sends a payload to a pub/sub channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher is a Publisher backed by go-redis
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects and pings redis
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

// Publish sends payload to channel
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Close releases the connection pool
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// RedisBridge republishes bus events as JSON on kairos:runs:<run_id>
type RedisBridge struct {
	logger    *zap.Logger
	bus       *Bus
	publisher Publisher
	buffer    int
}

// NewRedisBridge creates a bridge from bus to publisher
func NewRedisBridge(logger *zap.Logger, bus *Bus, publisher Publisher, buffer int) *RedisBridge {
	return &RedisBridge{
		logger:    logger,
		bus:       bus,
		publisher: publisher,
		buffer:    buffer,
	}
}

// Channel returns the redis channel for a run
func Channel(runID string) string {
	return ChannelPrefix + runID
}

// Run forwards events until ctx is done or the bus closes. Publish
// failures are logged and skipped.
func (b *RedisBridge) Run(ctx context.Context) error {
	events, cancel := b.bus.Subscribe(b.buffer, nil)
	defer cancel()

	b.logger.Info("Redis bridge started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				b.logger.Warn("Failed to encode event", zap.String("type", string(event.Type)), zap.Error(err))
				continue
			}
			if err := b.publisher.Publish(ctx, Channel(event.RunID), payload); err != nil {
				b.logger.Warn("Failed to publish event",
					zap.String("run_id", event.RunID),
					zap.String("type", string(event.Type)),
					zap.Error(err),
				)
			}
		}
	}
}
