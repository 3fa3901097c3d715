package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Relay carries an encoded message to the instance holding a connection.
type Relay interface {
	Publish(ctx context.Context, connectionID string, payload []byte) error
}

// Deliverer writes a message to a connection held by this instance.
// It returns false when the connection is not held here.
type Deliverer interface {
	Deliver(connectionID string, payload []byte) bool
}

// LocalRelay delivers straight to the local hub, for single instance deployments.
type LocalRelay struct {
	Hub Deliverer
}

func (r LocalRelay) Publish(_ context.Context, connectionID string, payload []byte) error {
	r.Hub.Deliver(connectionID, payload)
	return nil
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type RedisRelayConfig struct {
	Redis  Redis
	Prefix string
	Hub    Deliverer
}

// RedisRelay publishes every message on the connection's channel. Each instance subscribes to all
// connection channels and keeps the messages for connections it holds.
type RedisRelay struct {
	redis  Redis
	prefix string
	hub    Deliverer

	mu  sync.Mutex
	sub *redis.PubSub
	wg  sync.WaitGroup
}

func NewRedisRelay(c RedisRelayConfig) *RedisRelay {
	return &RedisRelay{
		redis:  c.Redis,
		prefix: c.Prefix,
		hub:    c.Hub,
	}
}

func (r *RedisRelay) Publish(ctx context.Context, connectionID string, payload []byte) error {
	if err := r.redis.Publish(ctx, r.getConnChannel(connectionID), payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", connectionID, err)
	}

	return nil
}

// Start subscribes and returns once the subscription is confirmed. Messages are delivered until Stop.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.redis.PSubscribe(ctx, r.getConnChannel("*"))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		prefix := r.getConnChannel("")
		for msg := range sub.Channel() {
			id := strings.TrimPrefix(msg.Channel, prefix)
			r.hub.Deliver(id, []byte(msg.Payload))
		}

		slog.Info("pubsub: relay stopped")
	}()

	return nil
}

// Stop closes the subscription and waits for the delivery loop to exit.
func (r *RedisRelay) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return
	}

	if err := sub.Close(); err != nil {
		slog.Error("pubsub: close subscription failed", "error", err)
	}
	r.wg.Wait()
}

func (r *RedisRelay) getConnChannel(connectionID string) string {
	return fmt.Sprintf("%s:conn:%s", r.prefix, connectionID)
}
