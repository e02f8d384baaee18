package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client holds the Redis client and the key namespace
type Client struct {
	Redis  *redis.Client
	prefix string
}

// NewClient creates a new Redis client and checks the connection
func NewClient(redisURL, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	return &Client{Redis: client, prefix: prefix}, nil
}

// Wrap builds a Client around an existing connection
func Wrap(rdb *redis.Client, prefix string) *Client {
	return &Client{Redis: rdb, prefix: prefix}
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.Redis.Close()
}
