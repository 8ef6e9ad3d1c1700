package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrUnknownSKU is returned when no inventory hash exists for a sku.
var ErrUnknownSKU = errors.New("unknown sku")

type Client struct {
	rdb               *redis.Client
	reserveScript     *redis.Script
	releaseScript     *redis.Script
	commitScript      *redis.Script
	releaseLockScript *redis.Script
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

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:               rdb,
		reserveScript:     redis.NewScript(reserveStockScript),
		releaseScript:     redis.NewScript(releaseStockScript),
		commitScript:      redis.NewScript(commitStockScript),
		releaseLockScript: redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping is used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(sku string) string {
	return fmt.Sprintf("inventory:%s", sku)
}

// ReserveStock atomically moves quantity from available to reserved.
// Returns false when stock is insufficient.
func (c *Client) ReserveStock(ctx context.Context, sku string, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(sku)}, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case -1:
		return false, fmt.Errorf("sku %s: %w", sku, ErrUnknownSKU)
	default:
		return false, nil
	}
}

// ReleaseStock atomically returns reserved stock (compensation)
func (c *Client) ReleaseStock(ctx context.Context, sku string, quantity int) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(sku)}, quantity).Err(); err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// CommitStock atomically consumes reserved stock (final deduction)
func (c *Client) CommitStock(ctx context.Context, sku string, quantity int) error {
	if err := c.commitScript.Run(ctx, c.rdb, []string{inventoryKey(sku)}, quantity).Err(); err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	return nil
}

// InitInventory initializes inventory counts in Redis
func (c *Client) InitInventory(ctx context.Context, sku string, available, reserved int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, inventoryKey(sku), "available", available, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory retrieves current inventory counts
func (c *Client) GetInventory(ctx context.Context, sku string) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(sku)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("sku %s: %w", sku, ErrUnknownSKU)
	}

	available, _ = strconv.Atoi(result["available"])
	reserved, _ = strconv.Atoi(result["reserved"])
	return available, reserved, nil
}

// SetIdempotencyKey stores an idempotency key with TTL. It returns false when
// the key was already present.
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Result()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock takes a distributed lock and returns the owner token needed
// to release it. An empty token means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock frees the lock only while token still owns it.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	if token == "" {
		return nil
	}
	if err := c.releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
