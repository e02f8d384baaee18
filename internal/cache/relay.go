package cache

import (
	"context"
	"fmt"
	"log/slog"
)

// Relay fans event payloads out to every process over pub/sub
type Relay struct {
	client  *Client
	channel string
	logger  *slog.Logger
}

func NewRelay(client *Client, logger *slog.Logger) *Relay {
	return &Relay{client: client, channel: client.key("events"), logger: logger}
}

// Publish sends one payload to all subscribers
func (r *Relay) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Redis.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run delivers every received payload to deliver until ctx is done
func (r *Relay) Run(ctx context.Context, deliver func([]byte)) error {
	sub := r.client.Redis.Subscribe(ctx, r.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Info("event relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event relay channel closed")
			}
			deliver([]byte(msg.Payload))
		}
	}
}
