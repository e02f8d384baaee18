package cache

import (
	"context"
	"fmt"
	"time"
)

// Seen reports whether key was marked and has not expired
func (c *Client) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.Redis.Exists(ctx, c.key("dedup", key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// Mark records key for ttl
func (c *Client) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.Redis.Set(ctx, c.key("dedup", key), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark dedup key: %w", err)
	}
	return nil
}

// Claim marks key only if absent; true for the single caller that set it
func (c *Client) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.Redis.SetNX(ctx, c.key("dedup", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim key: %w", err)
	}
	return ok, nil
}
