package services

import (
	"context"
	"strings"
	"time"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/repositories"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrConnectivity marks failures to reach the order store.
var ErrConnectivity = errors.New("order store unavailable")

// StoreError wraps a store failure. errors.Is(err, ErrConnectivity) holds for it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "order store unavailable during " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrConnectivity }

// EventPublisher is satisfied by *publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, evt events.Event) bool
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type CreateOrderInput struct {
	CustomerID          string              `json:"customerId" validate:"required"`
	RestaurantID        string              `json:"restaurantId" validate:"required"`
	Items               []domain.Item       `json:"items" validate:"required,min=1"`
	DeliveryType        domain.DeliveryType `json:"deliveryType" validate:"required,oneof=DELIVERY PICKUP"`
	DeliveryAddress     *domain.Address     `json:"deliveryAddress" validate:"required_if=DeliveryType DELIVERY"`
	Pricing             domain.Pricing      `json:"pricing"`
	SpecialInstructions string              `json:"specialInstructions"`
	IdempotencyKey      string              `json:"idempotencyKey"`
}

type CancelOrderInput struct {
	CancelledBy        domain.CancelledBy `json:"cancelledBy" validate:"required,cancelled_by"`
	CancellationReason string             `json:"cancellationReason" validate:"required"`
}

type ListOrdersInput struct {
	CustomerID   string        `json:"customerId"`
	RestaurantID string        `json:"restaurantId"`
	DriverID     string        `json:"driverId"`
	Status       domain.Status `json:"status" validate:"omitempty,order_status"`
	Page         int           `json:"page" validate:"gte=0"`
	Limit        int           `json:"limit" validate:"gte=0,lte=100"`
}

// CommandResult is returned by every mutating command.
type CommandResult struct {
	Order *domain.Order
	// Published is false when the event is waiting in the outbox for the relay.
	Published bool
	// Replayed is set when an idempotency key matched an existing order.
	Replayed bool
}

type ListResult struct {
	Orders []*domain.Order `json:"orders"`
	Total  int64           `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// OrderService runs the order lifecycle commands.
type OrderService struct {
	orders    repositories.OrderRepository
	outbox    repositories.OutboxRepository
	publisher EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewOrderService(
	orders repositories.OrderRepository,
	outbox repositories.OutboxRepository,
	publisher EventPublisher,
	m *metrics.Metrics,
) *OrderService {
	return &OrderService{
		orders:    orders,
		outbox:    outbox,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	s.now = now
	return s
}

// CreateOrder places a new PENDING order. A repeated idempotency key returns
// the order created first and publishes nothing.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*CommandResult, error) {
	start := time.Now()
	res, err := s.createOrder(ctx, in)
	s.observe("create", start, err)
	return res, err
}

func (s *OrderService) createOrder(ctx context.Context, in CreateOrderInput) (*CommandResult, error) {
	// A known key returns the first order whatever the retry carries.
	if in.IdempotencyKey != "" {
		if existing, err := s.replay(ctx, in.IdempotencyKey); existing != nil || err != nil {
			return existing, err
		}
	}

	if err := validateStruct(in); err != nil {
		return nil, err
	}

	order, err := domain.NewOrder(domain.NewOrderParams{
		CustomerID:          in.CustomerID,
		RestaurantID:        in.RestaurantID,
		Items:               in.Items,
		DeliveryType:        in.DeliveryType,
		DeliveryAddress:     in.DeliveryAddress,
		Pricing:             in.Pricing,
		SpecialInstructions: in.SpecialInstructions,
		IdempotencyKey:      in.IdempotencyKey,
	}, s.now())
	if err != nil {
		return nil, err
	}

	evt := events.OrderCreated(order)
	seg := tracing.StartSegment(ctx, "orders.create")
	err = s.orders.Create(ctx, order, evt)
	seg.End()
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent submission of the same key.
			if existing, rerr := s.replay(ctx, in.IdempotencyKey); existing != nil || rerr != nil {
				return existing, rerr
			}
		}
		return nil, &StoreError{Op: "create", Err: err}
	}

	log.Info().
		Str("order_id", order.ID).
		Str("order_number", order.OrderNumber).
		Str("customer_id", order.CustomerID).
		Str("delivery_type", string(order.DeliveryType)).
		Msg("Order created")

	return &CommandResult{Order: order, Published: s.publish(ctx, order, evt)}, nil
}

func (s *OrderService) replay(ctx context.Context, key string) (*CommandResult, error) {
	existing, err := s.orders.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, &StoreError{Op: "idempotency lookup", Err: err}
	}
	s.metrics.IncrementCounter(metrics.IdempotentReplays)
	log.Info().
		Str("order_id", existing.ID).
		Str("idempotency_key", key).
		Msg("Duplicate submission, returning existing order")
	return &CommandResult{Order: existing, Replayed: true}, nil
}

func (s *OrderService) ConfirmOrder(ctx context.Context, id string) (*CommandResult, error) {
	return s.transition(ctx, "confirm", id, func(o *domain.Order, now time.Time) error {
		return o.Transition(domain.StatusConfirmed, "Order confirmed by restaurant", now)
	})
}

func (s *OrderService) StartPreparing(ctx context.Context, id string) (*CommandResult, error) {
	return s.transition(ctx, "preparing", id, func(o *domain.Order, now time.Time) error {
		return o.Transition(domain.StatusPreparing, "Kitchen started preparing", now)
	})
}

func (s *OrderService) MarkReady(ctx context.Context, id string) (*CommandResult, error) {
	return s.transition(ctx, "ready", id, func(o *domain.Order, now time.Time) error {
		return o.Transition(domain.StatusReady, "Order is ready", now)
	})
}

// MarkOutForDelivery hands a delivery order to a driver. Pickup orders are
// always rejected.
func (s *OrderService) MarkOutForDelivery(ctx context.Context, id, driverID string) (*CommandResult, error) {
	return s.transition(ctx, "out_for_delivery", id, func(o *domain.Order, now time.Time) error {
		return o.AssignDriver(strings.TrimSpace(driverID), now)
	})
}

func (s *OrderService) MarkDelivered(ctx context.Context, id string) (*CommandResult, error) {
	return s.transition(ctx, "delivered", id, func(o *domain.Order, now time.Time) error {
		return o.Transition(domain.StatusDelivered, "Order delivered", now)
	})
}

// CancelOrder cancels from any non-terminal status. Finalised orders yield
// domain.ErrTerminalState.
func (s *OrderService) CancelOrder(ctx context.Context, id string, in CancelOrderInput) (*CommandResult, error) {
	if err := validateStruct(in); err != nil {
		s.observe("cancel", time.Now(), err)
		return nil, err
	}
	return s.transition(ctx, "cancel", id, func(o *domain.Order, now time.Time) error {
		return o.Cancel(in.CancelledBy, in.CancellationReason, now)
	})
}

// transition loads the order, applies mutate and persists the result with a
// compare-and-swap on the status it was read with.
func (s *OrderService) transition(ctx context.Context, name, id string, mutate func(*domain.Order, time.Time) error) (*CommandResult, error) {
	start := time.Now()

	order, err := s.load(ctx, id)
	if err != nil {
		s.observe(name, start, err)
		return nil, err
	}

	expected := order.Status
	now := s.now()
	if err := mutate(order, now); err != nil {
		log.Info().
			Err(err).
			Str("order_id", order.ID).
			Str("current_status", string(expected)).
			Str("command", name).
			Msg("Order command rejected")
		s.observe(name, start, err)
		return nil, err
	}

	evt, ok := events.ForStatus(order, now)
	if !ok {
		err := errors.Errorf("no event for order %s in status %s", order.ID, order.Status)
		s.observe(name, start, err)
		return nil, err
	}
	seg := tracing.StartSegment(ctx, "orders.update")
	err = s.orders.Update(ctx, order, expected, evt)
	seg.End()
	if err != nil {
		var conflict *domain.ConflictError
		switch {
		case errors.As(err, &conflict):
			s.metrics.IncrementCounter(metrics.ConcurrentConflicts)
			conflict.AttemptedStatus = order.Status
			conflict.CurrentStatus = s.currentStatus(ctx, order.ID, expected)
			log.Warn().
				Str("order_id", order.ID).
				Str("expected_status", string(expected)).
				Str("current_status", string(conflict.CurrentStatus)).
				Msg("Concurrent order modification")
		case errors.Is(err, domain.ErrNotFound):
		default:
			err = &StoreError{Op: name, Err: err}
		}
		s.observe(name, start, err)
		return nil, err
	}

	log.Info().
		Str("order_id", order.ID).
		Str("order_number", order.OrderNumber).
		Str("from", string(expected)).
		Str("to", string(order.Status)).
		Msg("Order status changed")

	res := &CommandResult{Order: order, Published: s.publish(ctx, order, evt)}
	s.observe(name, start, nil)
	return res, nil
}

// publish hands evt to the bus. A failure leaves the outbox row pending for the
// relay and never fails the command.
func (s *OrderService) publish(ctx context.Context, order *domain.Order, evt events.Event) bool {
	if !s.publisher.Publish(ctx, string(evt.Type), evt) {
		log.Warn().
			Str("order_id", order.ID).
			Str("event_id", evt.ID).
			Str("routing_key", string(evt.Type)).
			Msg("Event publish failed, left in outbox for relay")
		return false
	}
	if err := s.outbox.MarkPublished(ctx, evt.ID, s.now()); err != nil {
		log.Error().Err(err).Str("event_id", evt.ID).Msg("Failed to mark outbox event as published")
	}
	return true
}

// currentStatus re-reads the stored status after a lost compare-and-swap,
// falling back to the status the command started from.
func (s *OrderService) currentStatus(ctx context.Context, id string, fallback domain.Status) domain.Status {
	stored, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return fallback
	}
	return stored.Status
}

func (s *OrderService) load(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
		}
		return nil, &StoreError{Op: "load", Err: err}
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.load(ctx, id)
}

func (s *OrderService) GetHistory(ctx context.Context, id string) ([]domain.StatusChange, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return order.StatusHistory, nil
}

// ListOrders returns one page of orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, in ListOrdersInput) (*ListResult, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	orders, total, err := s.orders.List(ctx, repositories.ListFilter{
		CustomerID:   in.CustomerID,
		RestaurantID: in.RestaurantID,
		DriverID:     in.DriverID,
		Status:       in.Status,
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	return &ListResult{Orders: orders, Total: total, Page: page, Limit: limit}, nil
}

// Healthy pings the order store.
func (s *OrderService) Healthy(ctx context.Context) error {
	return s.orders.Ping(ctx)
}

func (s *OrderService) observe(command string, start time.Time, err error) {
	s.metrics.RecordTimer(metrics.CommandLatencyPrefix+command, time.Since(start))
	s.metrics.RecordResult(metrics.CommandPrefix+command, err)
}
