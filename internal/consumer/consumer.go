// Package consumer dispatches order events from a bus subscription to
// registered handlers and settles each delivery.
package consumer

import (
	"context"
	"fmt"
	"runtime/debug"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/cache"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HandlerFunc reacts to one decoded event. A returned error dead-letters the
// delivery.
type HandlerFunc func(ctx context.Context, evt events.Event) error

// Consumer routes deliveries from one queue to handlers keyed by event kind.
type Consumer struct {
	sub      bus.Subscription
	handlers map[events.Kind]HandlerFunc
	dedup    cache.Deduper
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithDeduper skips events whose ID was already handled on this queue.
func WithDeduper(d cache.Deduper) Option {
	return func(c *Consumer) { c.dedup = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func WithTracer(t *tracing.Tracer) Option {
	return func(c *Consumer) { c.tracer = t }
}

// New builds a consumer for sub. Deliveries are handled one at a time, so the
// prefetch is always 1.
func New(sub bus.Subscription, opts ...Option) *Consumer {
	sub.Prefetch = 1
	c := &Consumer{sub: sub, handlers: make(map[events.Kind]HandlerFunc)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers fn for kind, replacing any previous handler.
func (c *Consumer) On(kind events.Kind, fn HandlerFunc) *Consumer {
	c.handlers[kind] = fn
	return c
}

func (c *Consumer) Subscription() bus.Subscription {
	return c.sub
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context, b bus.Bus) error {
	log.Info().
		Str("queue", c.sub.Queue).
		Str("binding", c.sub.BindingPattern).
		Int("handlers", len(c.handlers)).
		Msg("Starting consumer")
	err := b.Subscribe(ctx, c.sub, c.Handle)
	if err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "consumer %s stopped", c.sub.Queue)
	}
	return nil
}

// Handle processes and settles a single delivery.
func (c *Consumer) Handle(ctx context.Context, d bus.Delivery) {
	ctx, txn := c.tracer.StartTransaction(ctx, "consume "+c.sub.Queue)
	defer txn.End()

	logger := log.With().
		Str("queue", c.sub.Queue).
		Str("routing_key", d.RoutingKey()).
		Str("message_id", d.MessageID()).
		Logger()

	evt, err := events.Decode(d.Body())
	if err != nil {
		logger.Error().Err(err).Msg("Malformed event, dead-lettering")
		c.deadLetter(ctx, d, "malformed event: "+err.Error())
		return
	}
	logger = logger.With().Str("event_id", evt.ID).Str("order_id", evt.OrderID()).Logger()

	kind := events.Kind(d.RoutingKey())
	if kind == "" {
		kind = evt.Type
	}
	handler, ok := c.handlers[kind]
	if !ok {
		logger.Warn().Msg("No handler for routing key, dropping")
		c.metrics.IncrementCounter(metrics.EventsDropped)
		c.ack(ctx, d)
		return
	}

	var dedupKey string
	if c.dedup != nil && evt.ID != "" {
		dedupKey = cache.ProcessedKey(c.sub.Queue, evt.ID)
		seen, err := c.dedup.Processed(ctx, dedupKey)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Dedup check failed, handling anyway")
		case seen:
			logger.Info().Msg("Duplicate event, skipping")
			c.metrics.IncrementCounter(metrics.EventsDuplicate)
			c.ack(ctx, d)
			return
		}
	}

	if err := safeCall(ctx, handler, evt); err != nil {
		logger.Error().Err(err).Msg("Handler failed, dead-lettering")
		tracing.RecordError(ctx, err)
		c.deadLetter(ctx, d, err.Error())
		return
	}

	// Recorded only after success; a crash before this point means the
	// redelivery is handled again.
	if dedupKey != "" {
		if err := c.dedup.MarkProcessed(ctx, dedupKey); err != nil {
			logger.Warn().Err(err).Msg("Failed to record processed event")
		}
	}

	logger.Debug().Msg("Event handled")
	c.metrics.IncrementCounter(metrics.EventsConsumed)
	c.ack(ctx, d)
}

func safeCall(ctx context.Context, fn HandlerFunc, evt events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msg("Handler panic")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, evt)
}

func (c *Consumer) ack(ctx context.Context, d bus.Delivery) {
	if err := d.Ack(ctx); err != nil {
		log.Error().Err(err).Str("queue", c.sub.Queue).Str("message_id", d.MessageID()).Msg("Failed to ack delivery")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d bus.Delivery, reason string) {
	c.metrics.IncrementCounter(metrics.EventsDeadLettered)
	if err := d.DeadLetter(ctx, reason); err != nil {
		log.Error().Err(err).Str("queue", c.sub.Queue).Str("message_id", d.MessageID()).Msg("Failed to dead-letter delivery")
	}
}
