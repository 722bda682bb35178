// Package redis provides a Redis-backed throttle decision cache.
// The request path's quota pre-check reads this cache instead of the
// aggregate store; entries are refreshed after every aggregation commit
// and expire on their own, so staleness is bounded by the TTL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/ports"
)

// DecisionCache implements ports.DecisionCache on Redis.
type DecisionCache struct {
	client *goredis.Client
}

// NewDecisionCache creates a decision cache on an existing client.
func NewDecisionCache(client *goredis.Client) *DecisionCache {
	return &DecisionCache{client: client}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func key(userID string) string {
	return "throttle:" + userID
}

// Put stores the latest decision for a user with a TTL.
func (c *DecisionCache) Put(ctx context.Context, userID string, d quota.Decision, ttl time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	return c.client.Set(ctx, key(userID), payload, ttl).Err()
}

// Get returns the cached decision or ports.ErrNotFound on a miss.
func (c *DecisionCache) Get(ctx context.Context, userID string) (quota.Decision, error) {
	val, err := c.client.Get(ctx, key(userID)).Result()
	if err == goredis.Nil {
		return quota.Decision{}, ports.ErrNotFound
	}
	if err != nil {
		return quota.Decision{}, err
	}
	var d quota.Decision
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return quota.Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}

var _ ports.DecisionCache = (*DecisionCache)(nil)
