package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/facebookgo/clock"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel consumes the courier's routing key from a topic exchange
// through an exclusive, auto-deleted queue.
type AMQPChannel struct {
	URL       string
	Exchange  string
	CourierID string
	Backoff   Backoff
	Clock     clock.Clock
	logger    *slog.Logger
}

func NewAMQPChannel(url, exchange, courierID string, logger *slog.Logger) *AMQPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPChannel{
		URL:       url,
		Exchange:  exchange,
		CourierID: courierID,
		Backoff:   DefaultBackoff(),
		Clock:     clock.New(),
		logger:    logger.With("component", "notify"),
	}
}

func (c *AMQPChannel) Run(ctx context.Context, deliver func(Event)) error {
	return run(ctx, c.Clock, "amqp", c.logger, &c.Backoff, c.session, deliver)
}

func (c *AMQPChannel) session(ctx context.Context, deliver func(Event)) (bool, error) {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		c.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return false, fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(c.CourierID), c.Exchange, false, nil); err != nil {
		return false, fmt.Errorf("failed to bind queue: %w", err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("notification channel connected", "transport", "amqp", "exchange", c.Exchange)
	deliver(Event{Type: KindConnected})
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("amqp delivery channel closed")
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				c.logger.Warn("invalid notification", "error", err)
				continue
			}
			deliver(ev)
		}
	}
}
