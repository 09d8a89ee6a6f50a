package events

import (
	"time"

	"example.com/fooddelivery/services/orders/internal/domain"
)

type OrderCreatedData struct {
	OrderID               string              `json:"orderId"`
	OrderNumber           string              `json:"orderNumber"`
	CustomerID            string              `json:"customerId"`
	RestaurantID          string              `json:"restaurantId"`
	Items                 []domain.Item       `json:"items"`
	DeliveryType          domain.DeliveryType `json:"deliveryType"`
	DeliveryAddress       *domain.Address     `json:"deliveryAddress"`
	Pricing               domain.Pricing      `json:"pricing"`
	EstimatedDeliveryTime time.Time           `json:"estimatedDeliveryTime"`
	CreatedAt             time.Time           `json:"createdAt"`
}

type OrderConfirmedData struct {
	OrderID               string    `json:"orderId"`
	OrderNumber           string    `json:"orderNumber"`
	CustomerID            string    `json:"customerId"`
	RestaurantID          string    `json:"restaurantId"`
	EstimatedDeliveryTime time.Time `json:"estimatedDeliveryTime"`
	ConfirmedAt           time.Time `json:"confirmedAt"`
}

type OrderPreparingData struct {
	OrderID      string    `json:"orderId"`
	OrderNumber  string    `json:"orderNumber"`
	RestaurantID string    `json:"restaurantId"`
	PreparingAt  time.Time `json:"preparingAt"`
}

type OrderReadyData struct {
	OrderID         string              `json:"orderId"`
	OrderNumber     string              `json:"orderNumber"`
	CustomerID      string              `json:"customerId"`
	RestaurantID    string              `json:"restaurantId"`
	DeliveryType    domain.DeliveryType `json:"deliveryType"`
	DeliveryAddress *domain.Address     `json:"deliveryAddress"`
	ReadyAt         time.Time           `json:"readyAt"`
}

type OrderOutForDeliveryData struct {
	OrderID               string          `json:"orderId"`
	OrderNumber           string          `json:"orderNumber"`
	CustomerID            string          `json:"customerId"`
	DriverID              string          `json:"driverId"`
	DeliveryAddress       *domain.Address `json:"deliveryAddress"`
	EstimatedDeliveryTime time.Time       `json:"estimatedDeliveryTime"`
	OutForDeliveryAt      time.Time       `json:"outForDeliveryAt"`
}

type OrderDeliveredData struct {
	OrderID      string    `json:"orderId"`
	OrderNumber  string    `json:"orderNumber"`
	CustomerID   string    `json:"customerId"`
	RestaurantID string    `json:"restaurantId"`
	DriverID     string    `json:"driverId,omitempty"`
	DeliveredAt  time.Time `json:"deliveredAt"`
}

type OrderCancelledData struct {
	OrderID            string             `json:"orderId"`
	OrderNumber        string             `json:"orderNumber"`
	CustomerID         string             `json:"customerId"`
	RestaurantID       string             `json:"restaurantId"`
	CancelledBy        domain.CancelledBy `json:"cancelledBy"`
	CancellationReason string             `json:"cancellationReason"`
	CancelledAt        time.Time          `json:"cancelledAt"`
}

func (d OrderCreatedData) orderID() string        { return d.OrderID }
func (d OrderConfirmedData) orderID() string      { return d.OrderID }
func (d OrderPreparingData) orderID() string      { return d.OrderID }
func (d OrderReadyData) orderID() string          { return d.OrderID }
func (d OrderOutForDeliveryData) orderID() string { return d.OrderID }
func (d OrderDeliveredData) orderID() string      { return d.OrderID }
func (d OrderCancelledData) orderID() string      { return d.OrderID }

func OrderCreated(o *domain.Order) Event {
	return newEvent(KindOrderCreated, OrderCreatedData{
		OrderID:               o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		RestaurantID:          o.RestaurantID,
		Items:                 append([]domain.Item(nil), o.Items...),
		DeliveryType:          o.DeliveryType,
		DeliveryAddress:       o.DeliveryAddress,
		Pricing:               o.Pricing,
		EstimatedDeliveryTime: o.EstimatedDeliveryTime,
		CreatedAt:             o.CreatedAt,
	}, o.CreatedAt)
}

func OrderConfirmed(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderConfirmed, OrderConfirmedData{
		OrderID:               o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		RestaurantID:          o.RestaurantID,
		EstimatedDeliveryTime: o.EstimatedDeliveryTime,
		ConfirmedAt:           at.UTC(),
	}, at)
}

func OrderPreparing(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderPreparing, OrderPreparingData{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		RestaurantID: o.RestaurantID,
		PreparingAt:  at.UTC(),
	}, at)
}

func OrderReady(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderReady, OrderReadyData{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		CustomerID:      o.CustomerID,
		RestaurantID:    o.RestaurantID,
		DeliveryType:    o.DeliveryType,
		DeliveryAddress: o.DeliveryAddress,
		ReadyAt:         at.UTC(),
	}, at)
}

func OrderOutForDelivery(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderOutForDelivery, OrderOutForDeliveryData{
		OrderID:               o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		DriverID:              o.DriverID,
		DeliveryAddress:       o.DeliveryAddress,
		EstimatedDeliveryTime: o.EstimatedDeliveryTime,
		OutForDeliveryAt:      at.UTC(),
	}, at)
}

func OrderDelivered(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderDelivered, OrderDeliveredData{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		DriverID:     o.DriverID,
		DeliveredAt:  at.UTC(),
	}, at)
}

func OrderCancelled(o *domain.Order, at time.Time) Event {
	return newEvent(KindOrderCancelled, OrderCancelledData{
		OrderID:            o.ID,
		OrderNumber:        o.OrderNumber,
		CustomerID:         o.CustomerID,
		RestaurantID:       o.RestaurantID,
		CancelledBy:        o.CancelledBy,
		CancellationReason: o.CancellationReason,
		CancelledAt:        at.UTC(),
	}, at)
}

// ForStatus builds the event announcing that o has just entered its current status.
func ForStatus(o *domain.Order, at time.Time) (Event, bool) {
	switch o.Status {
	case domain.StatusPending:
		return OrderCreated(o), true
	case domain.StatusConfirmed:
		return OrderConfirmed(o, at), true
	case domain.StatusPreparing:
		return OrderPreparing(o, at), true
	case domain.StatusReady:
		return OrderReady(o, at), true
	case domain.StatusOutForDelivery:
		return OrderOutForDelivery(o, at), true
	case domain.StatusDelivered:
		return OrderDelivered(o, at), true
	case domain.StatusCancelled:
		return OrderCancelled(o, at), true
	}
	return Event{}, false
}
