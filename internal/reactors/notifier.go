// Package reactors holds the services that react to order events.
package reactors

import (
	"context"
	"fmt"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/consumer"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	NotificationsQueue = "notifications.order-events"
	DriversQueue       = "drivers.order-ready"
	TrackingQueue      = "tracking.order-projection"
)

// Notification is a rendered message for one recipient.
type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	OrderID   string `json:"orderId"`
	EventType string `json:"eventType"`
}

// Sender delivers notifications to a channel such as push, SMS or email.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	log.Info().
		Str("recipient", n.Recipient).
		Str("order_id", n.OrderID).
		Str("event_type", n.EventType).
		Str("subject", n.Subject).
		Msg(n.Body)
	return nil
}

// Notifier tells customers and restaurants about order progress.
type Notifier struct {
	sender Sender
}

func NewNotifier(s Sender) *Notifier {
	if s == nil {
		s = LogSender{}
	}
	return &Notifier{sender: s}
}

// Subscription listens to every order event.
func (n *Notifier) Subscription(topic string) bus.Subscription {
	return bus.Subscription{Topic: topic, Queue: NotificationsQueue, BindingPattern: "order.*", Prefetch: 1}
}

func (n *Notifier) Register(c *consumer.Consumer) {
	for _, kind := range events.Kinds {
		c.On(kind, n.Handle)
	}
}

// Handle renders and sends the notifications for evt.
func (n *Notifier) Handle(ctx context.Context, evt events.Event) error {
	for _, msg := range Render(evt) {
		if err := n.sender.Send(ctx, msg); err != nil {
			return errors.Wrapf(err, "failed to notify %s", msg.Recipient)
		}
	}
	return nil
}

// Render maps an event to its notifications. Unknown payloads yield none.
func Render(evt events.Event) []Notification {
	kind := string(evt.Type)
	switch d := evt.Data.(type) {
	case events.OrderCreatedData:
		return notifications{
			{
				Recipient: d.CustomerID,
				Subject:   "Order received",
				Body:      fmt.Sprintf("We received your order %s.", d.OrderNumber),
			},
			{
				Recipient: d.RestaurantID,
				Subject:   "New order",
				Body:      fmt.Sprintf("New order %s with %d item(s) is waiting for confirmation.", d.OrderNumber, len(d.Items)),
			},
		}.with(d.OrderID, kind)
	case events.OrderConfirmedData:
		return notifications{{
			Recipient: d.CustomerID,
			Subject:   "Order confirmed",
			Body:      fmt.Sprintf("Your order %s was confirmed. Estimated delivery at %s.", d.OrderNumber, d.EstimatedDeliveryTime.Format("15:04")),
		}}.with(d.OrderID, kind)
	case events.OrderPreparingData:
		return nil
	case events.OrderReadyData:
		body := fmt.Sprintf("Your order %s is ready for pickup.", d.OrderNumber)
		if d.DeliveryType == domain.DeliveryTypeDelivery {
			body = fmt.Sprintf("Your order %s is ready and waiting for a driver.", d.OrderNumber)
		}
		return notifications{{Recipient: d.CustomerID, Subject: "Order ready", Body: body}}.with(d.OrderID, kind)
	case events.OrderOutForDeliveryData:
		return notifications{{
			Recipient: d.CustomerID,
			Subject:   "Order on the way",
			Body:      fmt.Sprintf("Your order %s is on the way with driver %s.", d.OrderNumber, d.DriverID),
		}}.with(d.OrderID, kind)
	case events.OrderDeliveredData:
		return notifications{{
			Recipient: d.CustomerID,
			Subject:   "Order delivered",
			Body:      fmt.Sprintf("Your order %s was delivered. Enjoy your meal!", d.OrderNumber),
		}}.with(d.OrderID, kind)
	case events.OrderCancelledData:
		return notifications{
			{
				Recipient: d.CustomerID,
				Subject:   "Order cancelled",
				Body:      fmt.Sprintf("Your order %s was cancelled: %s", d.OrderNumber, d.CancellationReason),
			},
			{
				Recipient: d.RestaurantID,
				Subject:   "Order cancelled",
				Body:      fmt.Sprintf("Order %s was cancelled by %s.", d.OrderNumber, d.CancelledBy),
			},
		}.with(d.OrderID, kind)
	}
	return nil
}

type notifications []Notification

func (ns notifications) with(orderID, kind string) []Notification {
	for i := range ns {
		ns[i].OrderID = orderID
		ns[i].EventType = kind
	}
	return ns
}
