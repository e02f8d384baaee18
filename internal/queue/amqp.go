package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"
)

const headerAttempt = "x-attempt"

// AMQPTransport carries messages over a durable RabbitMQ queue with manual
// acknowledgement
type AMQPTransport struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	cfg    TransportConfig
	logger *slog.Logger
}

// NewAMQPTransport dials url and declares a durable queue
func NewAMQPTransport(url, queue string, cfg TransportConfig, logger *slog.Logger) (*AMQPTransport, error) {
	cfg.setDefaults()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// one unacked delivery at a time keeps per-instance order
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &AMQPTransport{conn: conn, ch: ch, queue: queue, cfg: cfg, logger: logger}, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, body []byte) error {
	return t.publish(body, 1)
}

func (t *AMQPTransport) publish(body []byte, attempt int) error {
	err := t.ch.Publish("", t.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{headerAttempt: int32(attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (t *AMQPTransport) Consume(ctx context.Context, handle Handler) error {
	msgs, err := t.ch.Consume(
		t.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			t.deliver(ctx, d, handle)
		}
	}
}

func (t *AMQPTransport) deliver(ctx context.Context, d amqp.Delivery, handle Handler) {
	attempt := attemptOf(d.Headers)
	logger := t.logger.With("delivery_tag", d.DeliveryTag, "attempt", attempt)

	err := handle(ctx, d.Body, attempt)
	if err == nil {
		if err := d.Ack(false); err != nil {
			logger.Error("failed to ack delivery", "error", err)
		}
		return
	}

	if attempt >= t.cfg.MaxAttempts {
		logger.Error("delivery failed permanently", "error", err)
		// dead-lettered when the queue has a DLX, dropped otherwise
		if err := d.Nack(false, false); err != nil {
			logger.Error("failed to nack delivery", "error", err)
		}
		return
	}

	backoff := calculateBackoff(t.cfg.RetryBase, attempt)
	logger.Warn("delivery deferred", "error", err, "backoff", backoff)
	select {
	case <-ctx.Done():
		d.Nack(false, true)
		return
	case <-time.After(backoff):
	}

	// republish with the attempt counter, then drop the original
	if err := t.publish(d.Body, attempt+1); err != nil {
		logger.Error("failed to republish delivery", "error", err)
		d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack delivery", "error", err)
	}
}

func attemptOf(h amqp.Table) int {
	switch v := h[headerAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

func (t *AMQPTransport) Close() error {
	if err := t.ch.Close(); err != nil {
		t.conn.Close()
		return err
	}
	return t.conn.Close()
}
