package rabbitmq

import (
	"context"

	"example.com/fooddelivery/services/orders/internal/bus"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Subscribe declares a durable queue bound to sub.BindingPattern, paired with a
// dead-letter queue, and consumes it until ctx is done. When the connection
// drops it waits for the supervisor and resumes on a fresh channel.
func (c *Client) Subscribe(ctx context.Context, sub bus.Subscription, h bus.Handler) error {
	if sub.Prefetch <= 0 {
		sub.Prefetch = 1
	}

	for {
		if err := c.awaitConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		ch, deliveries, err := c.consume(sub)
		if err != nil {
			log.Error().Err(err).Str("queue", sub.Queue).Msg("Failed to start consumer")
			if ctx.Err() != nil {
				return nil
			}
			// A channel error usually means the connection is going away; let
			// the supervisor notice before trying again.
			if werr := sleepWithContext(ctx, c.cfg.InitialBackoff); werr != nil {
				return nil
			}
			continue
		}

		log.Info().
			Str("queue", sub.Queue).
			Str("pattern", sub.BindingPattern).
			Int("prefetch", sub.Prefetch).
			Msg("Consumer started")

		stopped := c.drain(ctx, deliveries, h)
		_ = ch.Close()
		if stopped {
			return nil
		}
		log.Warn().Str("queue", sub.Queue).Msg("Delivery channel closed, waiting for reconnect")
	}
}

// drain hands deliveries to h until ctx is done (true) or the channel closes (false).
func (c *Client) drain(ctx context.Context, deliveries <-chan amqp.Delivery, h bus.Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			h(ctx, &delivery{d: d})
		}
	}
}

func (c *Client) consume(sub bus.Subscription) (*amqp.Channel, <-chan amqp.Delivery, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, nil, bus.ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errors.Wrap(err, "rabbitmq: failed to open consumer channel")
	}

	if err := declareQueue(ch, sub); err != nil {
		ch.Close()
		return nil, nil, err
	}

	if err := ch.Qos(sub.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, errors.Wrap(err, "rabbitmq: failed to set prefetch")
	}

	deliveries, err := ch.Consume(sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, errors.Wrapf(err, "rabbitmq: failed to consume %s", sub.Queue)
	}

	return ch, deliveries, nil
}

// declareQueue declares the work queue, its dead-letter queue and both bindings.
// Dead letters keep the queue name as routing key so each queue gets its own DLQ.
func declareQueue(ch *amqp.Channel, sub bus.Subscription) error {
	if err := declareExchanges(ch, sub.Topic); err != nil {
		return err
	}

	dlx := bus.DeadLetterTopic(sub.Topic)
	dlq := bus.DeadLetterQueue(sub.Queue)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", dlq)
	}
	if err := ch.QueueBind(dlq, sub.Queue, dlx, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s", dlq)
	}

	_, err := ch.QueueDeclare(sub.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": sub.Queue,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", sub.Queue)
	}
	if err := ch.QueueBind(sub.Queue, sub.BindingPattern, sub.Topic, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to %s", sub.Queue, sub.BindingPattern)
	}
	return nil
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte       { return d.d.Body }
func (d *delivery) RoutingKey() string { return d.d.RoutingKey }
func (d *delivery) MessageID() string  { return d.d.MessageId }

func (d *delivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

// DeadLetter nacks without requeue; the queue's x-dead-letter-exchange routes it to the DLQ.
func (d *delivery) DeadLetter(_ context.Context, reason string) error {
	log.Warn().
		Str("routing_key", d.d.RoutingKey).
		Str("message_id", d.d.MessageId).
		Str("reason", reason).
		Msg("Dead-lettering message")
	return d.d.Nack(false, false)
}
