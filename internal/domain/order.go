package domain

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item is a line item owned by its order.
type Item struct {
	MenuItemID          string          `json:"menuItemId"`
	Name                string          `json:"name"`
	Quantity            int             `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
}

// Location is a longitude/latitude pair.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type Address struct {
	Street   string   `json:"street"`
	City     string   `json:"city"`
	State    string   `json:"state"`
	ZipCode  string   `json:"zipCode"`
	Location Location `json:"location"`
}

// Pricing is supplied by the caller. Total is never recomputed.
type Pricing struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	Tax         decimal.Decimal `json:"tax"`
	Tip         decimal.Decimal `json:"tip"`
	Total       decimal.Decimal `json:"total"`
}

// StatusChange is one entry in an order's append-only history.
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Order is the aggregate root of the order lifecycle.
type Order struct {
	ID                    string         `json:"id"`
	OrderNumber           string         `json:"orderNumber"`
	CustomerID            string         `json:"customerId"`
	RestaurantID          string         `json:"restaurantId"`
	Items                 []Item         `json:"items"`
	Status                Status         `json:"status"`
	StatusHistory         []StatusChange `json:"statusHistory"`
	DeliveryType          DeliveryType   `json:"deliveryType"`
	DeliveryAddress       *Address       `json:"deliveryAddress,omitempty"`
	DriverID              string         `json:"driverId,omitempty"`
	Pricing               Pricing        `json:"pricing"`
	SpecialInstructions   string         `json:"specialInstructions,omitempty"`
	CancellationReason    string         `json:"cancellationReason,omitempty"`
	CancelledBy           CancelledBy    `json:"cancelledBy,omitempty"`
	EstimatedDeliveryTime time.Time      `json:"estimatedDeliveryTime"`
	ActualDeliveryTime    *time.Time     `json:"actualDeliveryTime,omitempty"`
	IdempotencyKey        string         `json:"idempotencyKey,omitempty"`
	Version               int            `json:"version"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// NewOrderParams carries everything a caller supplies at creation.
type NewOrderParams struct {
	CustomerID          string
	RestaurantID        string
	Items               []Item
	DeliveryType        DeliveryType
	DeliveryAddress     *Address
	Pricing             Pricing
	SpecialInstructions string
	IdempotencyKey      string
}

const (
	minPrepareWindow = 30 * time.Minute
	maxPrepareWindow = 45 * time.Minute
)

// NewOrder validates the parameters and builds a PENDING order with its first
// history entry, a fresh order number and a randomised delivery estimate.
func NewOrder(p NewOrderParams, now time.Time) (*Order, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	items := make([]Item, len(p.Items))
	copy(items, p.Items)

	o := &Order{
		ID:                    uuid.NewString(),
		OrderNumber:           NewOrderNumber(now),
		CustomerID:            p.CustomerID,
		RestaurantID:          p.RestaurantID,
		Items:                 items,
		Status:                StatusPending,
		StatusHistory:         []StatusChange{{Status: StatusPending, Timestamp: now, Note: "Order placed"}},
		DeliveryType:          p.DeliveryType,
		Pricing:               p.Pricing,
		SpecialInstructions:   p.SpecialInstructions,
		EstimatedDeliveryTime: EstimateDelivery(now),
		IdempotencyKey:        p.IdempotencyKey,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.DeliveryType == DeliveryTypeDelivery {
		addr := *p.DeliveryAddress
		o.DeliveryAddress = &addr
	}
	return o, nil
}

func (p NewOrderParams) validate() error {
	if p.CustomerID == "" {
		return NewValidationError("customerId", "is required")
	}
	if p.RestaurantID == "" {
		return NewValidationError("restaurantId", "is required")
	}
	if len(p.Items) == 0 {
		return NewValidationError("items", "order must contain at least one item")
	}
	for i, it := range p.Items {
		if it.Quantity < 1 {
			return NewValidationError("items["+strconv.Itoa(i)+"].quantity", "must be at least 1")
		}
		if it.UnitPrice.IsNegative() {
			return NewValidationError("items["+strconv.Itoa(i)+"].unitPrice", "must not be negative")
		}
	}
	switch p.DeliveryType {
	case DeliveryTypeDelivery:
		if p.DeliveryAddress == nil {
			return NewValidationError("deliveryAddress", "is required for delivery orders")
		}
	case DeliveryTypePickup:
		if p.DeliveryAddress != nil {
			return NewValidationError("deliveryAddress", "must be empty for pickup orders")
		}
	default:
		return NewValidationError("deliveryType", "must be DELIVERY or PICKUP")
	}
	for name, v := range map[string]decimal.Decimal{
		"subtotal":    p.Pricing.Subtotal,
		"deliveryFee": p.Pricing.DeliveryFee,
		"tax":         p.Pricing.Tax,
		"tip":         p.Pricing.Tip,
		"total":       p.Pricing.Total,
	} {
		if v.IsNegative() {
			return NewValidationError("pricing."+name, "must not be negative")
		}
	}
	return nil
}

// Transition moves the order to target, appending one history entry. Terminal
// orders are checked before the table so callers always see ErrTerminalState
// for them.
func (o *Order) Transition(target Status, note string, now time.Time) error {
	if o.Status.IsTerminal() {
		return &TransitionError{From: o.Status, To: target, Err: ErrTerminalState}
	}
	if !CanTransition(o.Status, target) {
		return &TransitionError{From: o.Status, To: target, Err: ErrInvalidTransition}
	}

	now = now.UTC()
	o.Status = target
	o.StatusHistory = append(o.StatusHistory, StatusChange{Status: target, Timestamp: now, Note: note})
	if target == StatusDelivered && o.ActualDeliveryTime == nil {
		delivered := now
		o.ActualDeliveryTime = &delivered
	}
	o.UpdatedAt = now
	return nil
}

// AssignDriver moves a delivery order out for delivery with the given driver.
func (o *Order) AssignDriver(driverID string, now time.Time) error {
	if o.DeliveryType == DeliveryTypePickup {
		return &TransitionError{From: o.Status, To: StatusOutForDelivery, Err: ErrPickupNotDeliverable}
	}
	if strings.TrimSpace(driverID) == "" {
		return NewValidationError("driverId", "is required")
	}
	if err := o.Transition(StatusOutForDelivery, "Driver "+driverID+" picked up the order", now); err != nil {
		return err
	}
	o.DriverID = driverID
	return nil
}

// Cancel records who cancelled the order and why.
func (o *Order) Cancel(by CancelledBy, reason string, now time.Time) error {
	if !by.Valid() {
		return NewValidationError("cancelledBy", "must be CUSTOMER, RESTAURANT or SYSTEM")
	}
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("cancellationReason", "is required")
	}
	if err := o.Transition(StatusCancelled, reason, now); err != nil {
		return err
	}
	o.CancelledBy = by
	o.CancellationReason = reason
	return nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.StatusHistory = append([]StatusChange(nil), o.StatusHistory...)
	if o.DeliveryAddress != nil {
		addr := *o.DeliveryAddress
		c.DeliveryAddress = &addr
	}
	if o.ActualDeliveryTime != nil {
		t := *o.ActualDeliveryTime
		c.ActualDeliveryTime = &t
	}
	return &c
}

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewOrderNumber returns ORD-<base36 millis>-<6 random chars>.
func NewOrderNumber(now time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = orderNumberAlphabet[rand.Intn(len(orderNumberAlphabet))]
	}
	return "ORD-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + string(suffix)
}

// EstimateDelivery picks a uniformly random time 30 to 45 minutes after now.
func EstimateDelivery(now time.Time) time.Time {
	window := maxPrepareWindow - minPrepareWindow
	return now.Add(minPrepareWindow + time.Duration(rand.Int63n(int64(window)+1)))
}
