// Package publisher delivers order events to the bus on a best-effort basis.
package publisher

import (
	"context"
	"encoding/json"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/rs/zerolog/log"
)

// Publisher is created once per process and shared by every command handler.
type Publisher struct {
	bus     bus.Bus
	topic   string
	metrics *metrics.Metrics
}

func New(b bus.Bus, topic string, m *metrics.Metrics) *Publisher {
	return &Publisher{bus: b, topic: topic, metrics: m}
}

// Publish sends evt under routingKey as a persistent message. It returns false
// when the event was not delivered; the caller's state change stands either way.
func (p *Publisher) Publish(ctx context.Context, routingKey string, evt events.Event) bool {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("Failed to marshal event")
		p.metrics.IncrementCounter(metrics.EventsPublishFailed)
		return false
	}
	return p.PublishEncoded(ctx, routingKey, evt.ID, body)
}

// PublishEncoded sends an already serialised envelope.
func (p *Publisher) PublishEncoded(ctx context.Context, routingKey, eventID string, body []byte) bool {
	defer tracing.StartSegment(ctx, "publish "+routingKey).End()

	if !p.bus.State().Healthy() {
		log.Warn().
			Str("routing_key", routingKey).
			Str("event_id", eventID).
			Str("bus_state", string(p.bus.State())).
			Msg("Bus not connected, event not published")
		p.metrics.IncrementCounter(metrics.EventsPublishFailed)
		return false
	}

	err := p.bus.Publish(ctx, p.topic, routingKey, body, bus.PublishOptions{
		MessageID:   eventID,
		ContentType: "application/json",
		Persistent:  true,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("routing_key", routingKey).
			Str("event_id", eventID).
			Msg("Failed to publish event")
		p.metrics.IncrementCounter(metrics.EventsPublishFailed)
		return false
	}

	log.Debug().Str("routing_key", routingKey).Str("event_id", eventID).Msg("Event published")
	p.metrics.IncrementCounter(metrics.EventsPublished)
	return true
}
