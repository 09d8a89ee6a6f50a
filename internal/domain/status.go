package domain

// Status is the lifecycle position of an order.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusPreparing      Status = "PREPARING"
	StatusReady          Status = "READY"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

// allowed is the full transition table. Anything not listed is rejected.
var allowed = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReady, StatusCancelled},
	StatusReady:          {StatusOutForDelivery, StatusDelivered, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusCancelled},
	StatusDelivered:      {},
	StatusCancelled:      {},
}

// CanTransition reports whether the table permits moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowed[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// DeliveryType is fixed at creation.
type DeliveryType string

const (
	DeliveryTypeDelivery DeliveryType = "DELIVERY"
	DeliveryTypePickup   DeliveryType = "PICKUP"
)

func (d DeliveryType) Valid() bool {
	return d == DeliveryTypeDelivery || d == DeliveryTypePickup
}

// CancelledBy identifies the party that cancelled an order.
type CancelledBy string

const (
	CancelledByCustomer   CancelledBy = "CUSTOMER"
	CancelledByRestaurant CancelledBy = "RESTAURANT"
	CancelledBySystem     CancelledBy = "SYSTEM"
)

func (c CancelledBy) Valid() bool {
	switch c {
	case CancelledByCustomer, CancelledByRestaurant, CancelledBySystem:
		return true
	}
	return false
}
