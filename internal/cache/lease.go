package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/zapflow/internal/queue"
)

// acquire: set when free, or refresh when already ours
var acquireScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire claims key for owner until ttl elapses
func (c *Client) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, c.Redis, []string{c.key("lease", key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

// Renew extends a held lease. Returns queue.ErrLeaseLost when owner no
// longer holds key.
func (c *Client) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, c.Redis, []string{c.key("lease", key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n != 1 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Release frees key if owner holds it
func (c *Client) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.Redis, []string{c.key("lease", key)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the current owner of key, empty when free
func (c *Client) Holder(ctx context.Context, key string) (string, error) {
	owner, err := c.Redis.Get(ctx, c.key("lease", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
