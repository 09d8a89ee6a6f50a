package repositories

import (
	"context"
	"time"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/models"
	"github.com/pkg/errors"
)

// ErrDuplicateIdempotencyKey is returned by Create when another order already
// holds the same idempotency key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// ListFilter narrows ListOrders. Empty fields are ignored.
type ListFilter struct {
	CustomerID   string
	RestaurantID string
	DriverID     string
	Status       domain.Status
	Page         int
	Limit        int
}

// Offset is the number of rows skipped for the filter's page.
func (f ListFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// OrderRepository persists orders. Every write records its event in the outbox
// within the same transaction.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order, evt events.Event) error
	// Update writes order only if the stored row still has expected status and
	// the version order was read at. On success order.Version is advanced.
	Update(ctx context.Context, order *domain.Order, expected domain.Status, evt events.Event) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.Order, int64, error)
	Ping(ctx context.Context) error
}

// OutboxRepository is drained by the relay.
type OutboxRepository interface {
	Pending(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	CountPending(ctx context.Context) (int64, error)
	MarkPublished(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, reason string) error
	Between(ctx context.Context, start, end time.Time) ([]models.OutboxEvent, error)
}
