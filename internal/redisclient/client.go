package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/set_status_if_absent.lua
var setStatusScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	statusScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		statusScript:  redis.NewScript(setStatusScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RememberOrder maps a merchant's order number to our order id so replayed
// creation requests skip the database lookup
func (c *Client) RememberOrder(ctx context.Context, merchantID, merchantOrderID, orderID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(merchantID, merchantOrderID), orderID, ttl).Err()
}

// LookupOrder returns the order id remembered for a merchant order number,
// or "" when there is none
func (c *Client) LookupOrder(ctx context.Context, merchantID, merchantOrderID string) (string, error) {
	orderID, err := c.rdb.Get(ctx, idempotencyKey(merchantID, merchantOrderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return orderID, err
}

// CacheTerminalStatus records an order's final status under the gateway that
// settled it. The first cached value wins; the stored value is returned.
func (c *Client) CacheTerminalStatus(ctx context.Context, gatewayCode, orderID, status string, ttl time.Duration) (string, error) {
	res, err := c.statusScript.Run(ctx, c.rdb, []string{statusKey(gatewayCode, orderID)}, status, int(ttl.Seconds())).Result()
	if err != nil {
		return "", fmt.Errorf("status cache script failed: %w", err)
	}
	stored, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected script result type")
	}
	return stored, nil
}

// TerminalStatus returns the cached final status for an order of gatewayCode,
// or "" if no such order is known to be final
func (c *Client) TerminalStatus(ctx context.Context, gatewayCode, orderID string) (string, error) {
	status, err := c.rdb.Get(ctx, statusKey(gatewayCode, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return status, err
}

// AcquireLock acquires a distributed lock. The returned token must be passed
// to ReleaseLock; an empty token means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseLock releases a lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

func idempotencyKey(merchantID, merchantOrderID string) string {
	return fmt.Sprintf("idempotency:%s:%s", merchantID, merchantOrderID)
}

func statusKey(gatewayCode, orderID string) string {
	return fmt.Sprintf("order-status:%s:%s", gatewayCode, orderID)
}
