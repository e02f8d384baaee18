package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/zapflow/internal/queue"
)

// setupTestRedis creates a test client backed by miniredis
func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestLease(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := client.Acquire(ctx, "campaign:c1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Acquire(ctx, "campaign:c1", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lease")

	ok, err = client.Acquire(ctx, "campaign:c1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquires")

	require.NoError(t, client.Renew(ctx, "campaign:c1", "worker-a", 30*time.Second))
	assert.ErrorIs(t, client.Renew(ctx, "campaign:c1", "worker-b", 30*time.Second), queue.ErrLeaseLost)

	mr.FastForward(31 * time.Second)
	assert.ErrorIs(t, client.Renew(ctx, "campaign:c1", "worker-a", 30*time.Second), queue.ErrLeaseLost)

	ok, err = client.Acquire(ctx, "campaign:c1", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "takeover after expiry")

	holder, err := client.Holder(ctx, "campaign:c1")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", holder)

	require.NoError(t, client.Release(ctx, "campaign:c1", "worker-a"))
	holder, _ = client.Holder(ctx, "campaign:c1")
	assert.Equal(t, "worker-b", holder, "foreign release is a no-op")

	require.NoError(t, client.Release(ctx, "campaign:c1", "worker-b"))
	holder, _ = client.Holder(ctx, "campaign:c1")
	assert.Empty(t, holder)
}

func TestDedup(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	seen, err := client.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, client.Mark(ctx, "evt-1", time.Hour))
	seen, _ = client.Seen(ctx, "evt-1")
	assert.True(t, seen)
	assert.True(t, mr.Exists("test:dedup:evt-1"))

	claimed, err := client.Claim(ctx, "reset:t1:2026-03-02", 48*time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, _ = client.Claim(ctx, "reset:t1:2026-03-02", 48*time.Hour)
	assert.False(t, claimed)

	mr.FastForward(2 * time.Hour)
	seen, _ = client.Seen(ctx, "evt-1")
	assert.False(t, seen, "dedup key expires")
}

func TestRelay(t *testing.T) {
	client, _ := setupTestRedis(t)
	relay := NewRelay(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []byte, 1)
	go relay.Run(ctx, func(p []byte) { received <- p })

	// publish until the subscriber is attached
	require.Eventually(t, func() bool {
		_ = relay.Publish(ctx, []byte(`{"type":"message_sent"}`))
		select {
		case p := <-received:
			assert.JSONEq(t, `{"type":"message_sent"}`, string(p))
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}
