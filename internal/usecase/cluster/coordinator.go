// Package cluster coordinates conversation drivers across processes via Redis.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agora/internal/domain"
)

const (
	lockKeyPrefix = "agora:session:lock:"
	// EventsChannel carries every bus event published by any node.
	EventsChannel = "agora:events"
)

// RedisClient abstracts the Redis operations needed by Coordinator.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Expire resets the TTL of an existing key. Returns false if the key is gone.
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Get retrieves the value of a key.
	Get(ctx context.Context, key string) (string, error)
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel. Returns a channel of messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// Coordinator holds per-session leases and mirrors bus events onto a Redis
// channel so other processes can follow a conversation.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// EventHandler processes events received from the cluster channel.
type EventHandler func(ctx context.Context, event domain.Event)

// CoordinatorConfig holds configuration for the cluster coordinator.
type CoordinatorConfig struct {
	NodeID  string
	LockTTL time.Duration // default: 30s
}

// NewCoordinator creates a new coordinator with the given Redis client.
func NewCoordinator(client RedisClient, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger,
		lockTTL: lockTTL,
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// LockTTL returns how long a lease survives without a refresh.
func (c *Coordinator) LockTTL() time.Duration { return c.lockTTL }

func lockKey(sessionID string) string { return lockKeyPrefix + sessionID }

// Acquire takes the lease for a session. It returns false if another node
// holds it.
func (c *Coordinator) Acquire(ctx context.Context, sessionID string) (bool, error) {
	acquired, err := c.client.SetNX(ctx, lockKey(sessionID), c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	if acquired {
		c.logger.Debug("session lock acquired", "session_id", sessionID, "node", c.nodeID)
	}
	return acquired, nil
}

// Refresh extends a lease this node holds. It fails if the lease expired or
// moved to another node.
func (c *Coordinator) Refresh(ctx context.Context, sessionID string) error {
	key := lockKey(sessionID)
	owner, err := c.client.Get(ctx, key)
	if err != nil {
		return domain.NewSubSystemError("cluster", "Coordinator.Refresh", domain.ErrSessionBusy,
			fmt.Sprintf("lease for %s lost: %v", sessionID, err))
	}
	if owner != c.nodeID {
		return domain.NewSubSystemError("cluster", "Coordinator.Refresh", domain.ErrSessionBusy,
			fmt.Sprintf("lease for %s held by %s", sessionID, owner))
	}
	ok, err := c.client.Expire(ctx, key, c.lockTTL)
	if err != nil {
		return fmt.Errorf("refresh session lock: %w", err)
	}
	if !ok {
		return domain.NewSubSystemError("cluster", "Coordinator.Refresh", domain.ErrSessionBusy,
			fmt.Sprintf("lease for %s expired", sessionID))
	}
	return nil
}

// Release gives up the lease. Only releases if this node holds it.
func (c *Coordinator) Release(ctx context.Context, sessionID string) error {
	key := lockKey(sessionID)

	owner, err := c.client.Get(ctx, key)
	if err != nil {
		// Missing key: nothing to release.
		return nil
	}
	if owner != c.nodeID {
		c.logger.Debug("skipping lock release (not owner)",
			"session_id", sessionID, "owner", owner, "node", c.nodeID)
		return nil
	}

	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	c.logger.Debug("session lock released", "session_id", sessionID, "node", c.nodeID)
	return nil
}

// clusterMessage wraps an event with its origin node.
type clusterMessage struct {
	Node  string       `json:"node"`
	Event domain.Event `json:"event"`
}

// PublishEvent broadcasts an event to all nodes.
func (c *Coordinator) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(clusterMessage{Node: c.nodeID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal cluster event: %w", err)
	}
	return c.client.Publish(ctx, EventsChannel, string(data))
}

// ForwardEvents publishes every event seen on the local bus to the cluster
// channel. The returned func stops forwarding.
func (c *Coordinator) ForwardEvents(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(ctx context.Context, event domain.Event) {
		if err := c.PublishEvent(ctx, event); err != nil {
			c.logger.Warn("failed to forward event to cluster",
				"type", event.Type, "session_id", event.SessionID, "error", err)
		}
	})
}

// SubscribeEvents delivers cluster events to handler until ctx is done or
// Stop is called. The handler sees events from every node, this one included.
func (c *Coordinator) SubscribeEvents(ctx context.Context, handler EventHandler) error {
	msgs, err := c.client.Subscribe(ctx, EventsChannel)
	if err != nil {
		return fmt.Errorf("subscribe cluster events: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case raw, ok := <-msgs:
				if !ok {
					return
				}
				var msg clusterMessage
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					c.logger.Warn("invalid cluster event", "error", err)
					continue
				}
				handler(ctx, msg.Event)
			}
		}
	}()
	return nil
}

// Stop shuts down the coordinator and its Redis client. Safe to call twice.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()
	return c.client.Close()
}

var _ domain.SessionLease = (*Coordinator)(nil)
