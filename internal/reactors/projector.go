package reactors

import (
	"context"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/consumer"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/search"
	"github.com/pkg/errors"
)

// Projector keeps the order tracking document up to date.
type Projector struct {
	index search.TrackingIndex
}

func NewProjector(idx search.TrackingIndex) *Projector {
	return &Projector{index: idx}
}

func (p *Projector) Subscription(topic string) bus.Subscription {
	return bus.Subscription{Topic: topic, Queue: TrackingQueue, BindingPattern: "order.#", Prefetch: 1}
}

func (p *Projector) Register(c *consumer.Consumer) {
	for _, kind := range events.Kinds {
		c.On(kind, p.Handle)
	}
}

func (p *Projector) Handle(ctx context.Context, evt events.Event) error {
	doc, ok := Project(evt)
	if !ok {
		return errors.Errorf("unexpected payload %T for %s", evt.Data, evt.Type)
	}
	return errors.Wrap(p.index.UpsertTracking(ctx, doc), "failed to update tracking projection")
}

// Project builds the partial tracking document carried by evt.
func Project(evt events.Event) (search.TrackingDocument, bool) {
	doc := search.TrackingDocument{LastEvent: string(evt.Type), UpdatedAt: evt.Timestamp}

	switch d := evt.Data.(type) {
	case events.OrderCreatedData:
		eta := d.EstimatedDeliveryTime
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.CustomerID, doc.RestaurantID = d.CustomerID, d.RestaurantID
		doc.DeliveryType = string(d.DeliveryType)
		doc.EstimatedDeliveryTime = &eta
		doc.Status = string(domain.StatusPending)
	case events.OrderConfirmedData:
		eta := d.EstimatedDeliveryTime
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.EstimatedDeliveryTime = &eta
		doc.Status = string(domain.StatusConfirmed)
	case events.OrderPreparingData:
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.Status = string(domain.StatusPreparing)
	case events.OrderReadyData:
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.Status = string(domain.StatusReady)
	case events.OrderOutForDeliveryData:
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.DriverID = d.DriverID
		doc.Status = string(domain.StatusOutForDelivery)
	case events.OrderDeliveredData:
		at := d.DeliveredAt
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.DriverID = d.DriverID
		doc.DeliveredAt = &at
		doc.Status = string(domain.StatusDelivered)
	case events.OrderCancelledData:
		doc.OrderID, doc.OrderNumber = d.OrderID, d.OrderNumber
		doc.CancelledBy = string(d.CancelledBy)
		doc.CancellationReason = d.CancellationReason
		doc.Status = string(domain.StatusCancelled)
	default:
		return doc, false
	}
	return doc, true
}
