package reactors

import (
	"context"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/consumer"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DispatchRequest asks the driver service to find a driver for an order.
type DispatchRequest struct {
	OrderID      string          `json:"orderId"`
	OrderNumber  string          `json:"orderNumber"`
	RestaurantID string          `json:"restaurantId"`
	Dropoff      *domain.Address `json:"dropoff"`
}

// DriverLocator starts a driver search. Assignment is reported back through
// the out-for-delivery command.
type DriverLocator interface {
	RequestDriver(ctx context.Context, req DispatchRequest) error
}

// LogLocator logs dispatch requests.
type LogLocator struct{}

func (LogLocator) RequestDriver(_ context.Context, req DispatchRequest) error {
	log.Info().
		Str("order_id", req.OrderID).
		Str("order_number", req.OrderNumber).
		Str("restaurant_id", req.RestaurantID).
		Msg("Driver search requested")
	return nil
}

// DriverDispatch requests drivers for delivery orders once they are ready.
type DriverDispatch struct {
	locator DriverLocator
}

func NewDriverDispatch(l DriverLocator) *DriverDispatch {
	if l == nil {
		l = LogLocator{}
	}
	return &DriverDispatch{locator: l}
}

func (d *DriverDispatch) Subscription(topic string) bus.Subscription {
	return bus.Subscription{Topic: topic, Queue: DriversQueue, BindingPattern: string(events.KindOrderReady), Prefetch: 1}
}

func (d *DriverDispatch) Register(c *consumer.Consumer) {
	c.On(events.KindOrderReady, d.Handle)
}

func (d *DriverDispatch) Handle(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.OrderReadyData)
	if !ok {
		return errors.Errorf("unexpected payload %T for %s", evt.Data, evt.Type)
	}
	if data.DeliveryType != domain.DeliveryTypeDelivery {
		log.Debug().Str("order_id", data.OrderID).Msg("Pickup order, no driver needed")
		return nil
	}

	err := d.locator.RequestDriver(ctx, DispatchRequest{
		OrderID:      data.OrderID,
		OrderNumber:  data.OrderNumber,
		RestaurantID: data.RestaurantID,
		Dropoff:      data.DeliveryAddress,
	})
	return errors.Wrapf(err, "driver request for order %s", data.OrderID)
}
