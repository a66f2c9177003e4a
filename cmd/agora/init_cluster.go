package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"agora/internal/infra/config"
	"agora/internal/usecase/cluster"
)

// redisAdapter wraps a go-redis client to implement cluster.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return r.client.PExpire(ctx, key, expiration).Result()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *redisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no early message is lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// initCluster connects to Redis and returns a coordinator for this node.
func initCluster(ctx context.Context, cfg config.ClusterConfig, log *slog.Logger) (*cluster.Coordinator, error) {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cluster.redis_url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	lockTTL, err := parseLockTTL(cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	coord := cluster.NewCoordinator(&redisAdapter{client: client}, cluster.CoordinatorConfig{
		NodeID:  nodeIDOf(cfg),
		LockTTL: lockTTL,
	}, log)
	log.Info("cluster mode enabled", "node", coord.NodeID(), "lock_ttl", coord.LockTTL())
	return coord, nil
}

// parseLockTTL returns the configured lease TTL, or zero for the default.
func parseLockTTL(cfg config.ClusterConfig) (time.Duration, error) {
	if cfg.LockTTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("cluster.lock_ttl: %w", err)
	}
	return ttl, nil
}

func nodeIDOf(cfg config.ClusterConfig) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	return defaultNodeID()
}

// defaultNodeID is unique per process so two drivers on one host never
// share a lease owner.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + ulid.Make().String()
}
