package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/movement.lua
var movementLib string

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/adjust_stock.lua
var adjustStockScript string

//go:embed scripts/return_stock.lua
var returnStockScript string

//go:embed scripts/unlock.lua
var unlockScript string

const defaultEventTTL = 24 * time.Hour

// Options tunes the Redis-backed stores
type Options struct {
	// EventRetention is the TTL of processed event markers
	EventRetention time.Duration
}

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
	adjustScript  *redis.Script
	returnScript  *redis.Script
	unlockScript  *redis.Script

	eventRetention time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, opts Options) (*Client, error) {
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

	return NewFromRedis(rdb, opts), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client, opts Options) *Client {
	if opts.EventRetention <= 0 {
		opts.EventRetention = defaultEventTTL
	}

	return &Client{
		rdb:            rdb,
		reserveScript:  redis.NewScript(movementLib + reserveStockScript),
		releaseScript:  redis.NewScript(movementLib + releaseStockScript),
		commitScript:   redis.NewScript(movementLib + commitStockScript),
		adjustScript:   redis.NewScript(movementLib + adjustStockScript),
		returnScript:   redis.NewScript(movementLib + returnStockScript),
		unlockScript:   redis.NewScript(unlockScript),
		eventRetention: opts.EventRetention,
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID int64) string {
	return fmt.Sprintf("inventory:%d", productID)
}

func movementsKey(productID int64) string {
	return fmt.Sprintf("inventory:%d:movements", productID)
}

const movementSeqKey = "inventory:movement_seq"

func eventKey(eventID string) string {
	return "processed_event:" + eventID
}

func lockKey(key string) string {
	return "lock:" + key
}
