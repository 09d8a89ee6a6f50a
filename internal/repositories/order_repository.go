package repositories

import (
	"context"
	"time"

	"example.com/fooddelivery/services/orders/internal/database"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// mutableColumns are the only order columns a transition may change.
var mutableColumns = []string{
	"status",
	"driver_id",
	"status_history",
	"cancellation_reason",
	"cancelled_by",
	"actual_delivery_time",
	"version",
	"updated_at",
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository returns the Postgres-backed order repository.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order, evt events.Event) error {
	outbox, err := models.NewOutboxEvent(evt)
	if err != nil {
		return err
	}

	rec := models.FromDomain(order)
	rec.Version = 1

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			if order.IdempotencyKey != "" && database.IsUniqueViolation(err, "idempotency_key") {
				return ErrDuplicateIdempotencyKey
			}
			return errors.Wrap(err, "failed to insert order")
		}
		if err := tx.Create(outbox).Error; err != nil {
			return errors.Wrap(err, "failed to insert outbox event")
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.Version = rec.Version
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order *domain.Order, expected domain.Status, evt events.Event) error {
	outbox, err := models.NewOutboxEvent(evt)
	if err != nil {
		return err
	}

	rec := models.FromDomain(order)
	rec.Version = order.Version + 1
	rec.UpdatedAt = order.UpdatedAt

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(rec).
			Where("status = ? AND version = ?", string(expected), order.Version).
			Select(mutableColumns).
			Updates(rec)
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to update order")
		}
		if res.RowsAffected == 0 {
			return &domain.ConflictError{OrderID: order.ID, ExpectedStatus: expected}
		}
		if err := tx.Create(outbox).Error; err != nil {
			return errors.Wrap(err, "failed to insert outbox event")
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.Version = rec.Version
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	var rec models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load order")
	}
	return rec.ToDomain(), nil
}

func (r *orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	var rec models.Order
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error; err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load order by idempotency key")
	}
	return rec.ToDomain(), nil
}

func (r *orderRepository) List(ctx context.Context, filter ListFilter) ([]*domain.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{})
	if filter.CustomerID != "" {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.RestaurantID != "" {
		query = query.Where("restaurant_id = ?", filter.RestaurantID)
	}
	if filter.DriverID != "" {
		query = query.Where("driver_id = ?", filter.DriverID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count orders")
	}

	var recs []models.Order
	err := query.
		Order("created_at DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit).
		Find(&recs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list orders")
	}

	orders := make([]*domain.Order, 0, len(recs))
	for i := range recs {
		orders = append(orders, recs[i].ToDomain())
	}
	return orders, total, nil
}

func (r *orderRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository returns the Postgres-backed outbox.
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Pending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending outbox events")
	}
	return rows, nil
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("published = ?", false).Count(&n).Error
	return n, err
}

func (r *outboxRepository) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"published":    true,
			"published_at": at,
			"attempts":     gorm.Expr("attempts + 1"),
		}).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, eventID string, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
}

func (r *outboxRepository) Between(ctx context.Context, start, end time.Time) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outbox events")
	}
	return rows, nil
}
