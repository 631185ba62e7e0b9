package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/fogwatch/fogwatch/sim/analysis"
)

const (
	DefaultStatusKey     = "fogwatch:anomaly:status"
	DefaultStatusChannel = "fogwatch:anomaly"
	DefaultStatusTTL     = time.Hour

	publishTimeout = 2 * time.Second
)

// StatusPublisher pushes the status of completed passes to a downstream consumer.
type StatusPublisher interface {
	Publish(ctx context.Context, st analysis.Status) error
	Close() error
}

// RedisPublisher stores the latest status under a key with a TTL and
// announces it on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	Key     string
	Channel string
	TTL     time.Duration
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		DB:         0,
		PoolSize:   4,
		MaxRetries: 3,
	})
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisPublisher{
		client:  client,
		Key:     DefaultStatusKey,
		Channel: DefaultStatusChannel,
		TTL:     DefaultStatusTTL,
	}, nil
}

// Publish implements StatusPublisher.
func (r *RedisPublisher) Publish(ctx context.Context, st analysis.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.Key, data, r.TTL)
		pipe.Publish(ctx, r.Channel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish status to Redis: %w", err)
	}
	return nil
}

// Close implements StatusPublisher.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

// Forwarder publishes the status of every completed pass.
// It implements analysis.PassObserver.
type Forwarder struct {
	Pub StatusPublisher
}

// ObservePass implements analysis.PassObserver. Publishing failures are logged.
func (f Forwarder) ObservePass(p analysis.Pass) {
	if p.Outcome != analysis.Completed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.Pub.Publish(ctx, analysis.StatusOf(p, time.Now())); err != nil {
		logrus.Warnf("exporter: %v", err)
	}
}
