package models

import (
	"encoding/json"
	"time"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Order is the persisted form of domain.Order. Items, history, address and
// pricing are owned values and live inside the row as JSONB.
type Order struct {
	ID                    string                `gorm:"type:uuid;primaryKey"`
	OrderNumber           string                `gorm:"uniqueIndex;not null"`
	CustomerID            string                `gorm:"index;not null"`
	RestaurantID          string                `gorm:"index;not null"`
	DriverID              string                `gorm:"index"`
	Status                string                `gorm:"index;not null"`
	DeliveryType          string                `gorm:"not null"`
	Items                 []domain.Item         `gorm:"serializer:json;type:jsonb;not null"`
	StatusHistory         []domain.StatusChange `gorm:"serializer:json;type:jsonb;not null"`
	DeliveryAddress       *domain.Address       `gorm:"serializer:json;type:jsonb"`
	Pricing               domain.Pricing        `gorm:"serializer:json;type:jsonb;not null"`
	SpecialInstructions   string
	CancellationReason    string
	CancelledBy           string
	EstimatedDeliveryTime time.Time
	ActualDeliveryTime    *time.Time
	// Nil keeps the column NULL so the unique index ignores orders without a key.
	IdempotencyKey *string   `gorm:"uniqueIndex"`
	Version        int       `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (Order) TableName() string {
	return "orders"
}

// FromDomain converts an aggregate into its row.
func FromDomain(o *domain.Order) *Order {
	rec := &Order{
		ID:                    o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		RestaurantID:          o.RestaurantID,
		DriverID:              o.DriverID,
		Status:                string(o.Status),
		DeliveryType:          string(o.DeliveryType),
		Items:                 o.Items,
		StatusHistory:         o.StatusHistory,
		DeliveryAddress:       o.DeliveryAddress,
		Pricing:               o.Pricing,
		SpecialInstructions:   o.SpecialInstructions,
		CancellationReason:    o.CancellationReason,
		CancelledBy:           string(o.CancelledBy),
		EstimatedDeliveryTime: o.EstimatedDeliveryTime,
		ActualDeliveryTime:    o.ActualDeliveryTime,
		Version:               o.Version,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
	if o.IdempotencyKey != "" {
		key := o.IdempotencyKey
		rec.IdempotencyKey = &key
	}
	return rec
}

// ToDomain converts a row back into the aggregate.
func (r *Order) ToDomain() *domain.Order {
	o := &domain.Order{
		ID:                    r.ID,
		OrderNumber:           r.OrderNumber,
		CustomerID:            r.CustomerID,
		RestaurantID:          r.RestaurantID,
		DriverID:              r.DriverID,
		Status:                domain.Status(r.Status),
		DeliveryType:          domain.DeliveryType(r.DeliveryType),
		Items:                 r.Items,
		StatusHistory:         r.StatusHistory,
		DeliveryAddress:       r.DeliveryAddress,
		Pricing:               r.Pricing,
		SpecialInstructions:   r.SpecialInstructions,
		CancellationReason:    r.CancellationReason,
		CancelledBy:           domain.CancelledBy(r.CancelledBy),
		EstimatedDeliveryTime: r.EstimatedDeliveryTime.UTC(),
		ActualDeliveryTime:    r.ActualDeliveryTime,
		Version:               r.Version,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
	if r.IdempotencyKey != nil {
		o.IdempotencyKey = *r.IdempotencyKey
	}
	return o
}

// OutboxEvent is an event committed in the same transaction as the order
// change it describes. The relay publishes rows that are not yet Published.
type OutboxEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EventID     string `gorm:"uniqueIndex;not null"`
	AggregateID string `gorm:"index;not null"`
	RoutingKey  string `gorm:"not null"`
	Payload     []byte `gorm:"type:jsonb;not null"`
	Published   bool   `gorm:"index;not null;default:false"`
	Attempts    int    `gorm:"not null;default:0"`
	LastError   string
	CreatedAt   time.Time `gorm:"index"`
	PublishedAt *time.Time
}

func (OutboxEvent) TableName() string {
	return "order_outbox"
}

// NewOutboxEvent serialises evt into an unpublished outbox row.
func NewOutboxEvent(evt events.Event) (*OutboxEvent, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal event %s", evt.ID)
	}
	return &OutboxEvent{
		EventID:     evt.ID,
		AggregateID: evt.OrderID(),
		RoutingKey:  string(evt.Type),
		Payload:     payload,
		CreatedAt:   evt.Timestamp,
	}, nil
}

// SetupModels migrates every table this service owns.
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &OutboxEvent{})
}
