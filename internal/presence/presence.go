// Package presence publishes agent online/offline transitions to Redis so
// that sibling services (notifiers, schedulers) can react without polling
// the database. The hub works fine without it; a nil *Publisher is a no-op.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel presence events are published on.
const Channel = "agentdeck:presence"

// Event is the published document.
type Event struct {
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // online | offline | error
	Timestamp int64  `json:"timestamp"`
}

// Publisher emits presence events to Redis pub/sub. Failures are logged
// and swallowed: presence is advisory, never on the routing critical path.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis at addr and verifies the connection. An empty addr
// returns (nil, nil), which disables publishing.
func New(ctx context.Context, addr, password string, database int, logger *zap.Logger) (*Publisher, error) {
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Publisher{client: client, logger: logger.Named("presence")}, nil
}

// Publish emits one presence event. Safe on a nil receiver.
func (p *Publisher) Publish(ctx context.Context, agentID, status string) {
	if p == nil {
		return
	}

	payload, err := json.Marshal(Event{
		AgentID:   agentID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		p.logger.Warn("presence publish failed",
			zap.String("agent_id", agentID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// Ping reports broker reachability for the health endpoint. A nil receiver
// reports healthy-by-absence.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

// Enabled reports whether publishing is active.
func (p *Publisher) Enabled() bool { return p != nil }

// Close releases the Redis connection. Safe on a nil receiver.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
