package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Frame is what brokers carry between hub instances: the original envelope
// bytes plus the publishing instance, so an instance can skip its own echo.
type Frame struct {
	Src  string          `json:"src"`
	Data json.RawMessage `json:"data"`
}

// Broker fans room traffic out across hub instances. A single-instance hub
// runs without one.
type Broker interface {
	Publish(ctx context.Context, roomID string, frame Frame) error
	// Subscribe delivers frames for roomID to fn until the returned stop
	// function is called.
	Subscribe(ctx context.Context, roomID string, fn func(Frame)) (stop func(), err error)
}

// RedisBroker implements Broker over Redis pub/sub, one channel per room.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBroker connects to Redis at addr and verifies the connection.
func NewRedisBroker(ctx context.Context, addr, prefix string, logger *zap.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "inkroom:"
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, roomID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+roomID, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, roomID string, fn func(Frame)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.prefix+roomID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Warn("dropping broker frame", zap.Error(err))
				continue
			}
			fn(frame)
		}
	}()
	return func() { pubsub.Close() }, nil
}

// Close releases the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
