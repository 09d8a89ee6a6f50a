package services

import (
	"context"
	"testing"
	"time"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/bus/memory"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/models"
	"example.com/fooddelivery/services/orders/internal/publisher"
	"example.com/fooddelivery/services/orders/internal/repositories"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTopic = "order_events"

type fixture struct {
	svc     *OrderService
	store   *repositories.MemoryStore
	bus     *memory.Bus
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	require.NoError(t, b.DeclareTopic(context.Background(), testTopic))
	store := repositories.NewMemoryStore()
	m := metrics.NewMetrics()
	svc := NewOrderService(store, store, publisher.New(b, testTopic, m), m)
	return &fixture{svc: svc, store: store, bus: b, metrics: m}
}

func pickupInput() CreateOrderInput {
	return CreateOrderInput{
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Items: []domain.Item{
			{MenuItemID: "m1", Name: "Burger", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
			{MenuItemID: "m2", Name: "Pizza", Quantity: 1, UnitPrice: decimal.NewFromInt(15)},
		},
		DeliveryType: domain.DeliveryTypePickup,
		Pricing: domain.Pricing{
			Subtotal: decimal.NewFromInt(25),
			Tax:      decimal.NewFromInt(2),
			Total:    decimal.NewFromInt(27),
		},
	}
}

func deliveryInput() CreateOrderInput {
	in := pickupInput()
	in.DeliveryType = domain.DeliveryTypeDelivery
	in.DeliveryAddress = &domain.Address{Street: "1 Main St", City: "Springfield", ZipCode: "12345"}
	return in
}

func TestPickupOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateOrder(ctx, pickupInput())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Order.Status)
	assert.Len(t, created.Order.StatusHistory, 1)
	assert.True(t, created.Published)
	id := created.Order.ID

	confirmed, err := f.svc.ConfirmOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Order.Status)
	assert.Len(t, confirmed.Order.StatusHistory, 2)

	_, err = f.svc.MarkReady(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = f.svc.StartPreparing(ctx, id)
	require.NoError(t, err)

	ready, err := f.svc.MarkReady(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, ready.Order.Status)

	delivered, err := f.svc.MarkDelivered(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, delivered.Order.Status)
	assert.NotNil(t, delivered.Order.ActualDeliveryTime)
	assert.Len(t, delivered.Order.StatusHistory, 5)

	_, err = f.svc.CancelOrder(ctx, id, CancelOrderInput{CancelledBy: domain.CancelledByCustomer, CancellationReason: "too late"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTerminalState))

	assert.Equal(t, []string{
		"order.created",
		"order.confirmed",
		"order.preparing",
		"order.ready",
		"order.delivered",
	}, f.bus.PublishedKeys())

	pending, err := f.store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCancelPendingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateOrder(ctx, pickupInput())
	require.NoError(t, err)

	res, err := f.svc.CancelOrder(ctx, created.Order.ID, CancelOrderInput{
		CancelledBy:        domain.CancelledByCustomer,
		CancellationReason: "changed mind",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Order.Status)
	assert.Equal(t, domain.CancelledByCustomer, res.Order.CancelledBy)
	assert.Equal(t, "changed mind", res.Order.CancellationReason)

	published := f.bus.Published()
	require.Len(t, published, 2)
	evt, err := events.Decode(published[1].Body)
	require.NoError(t, err)
	assert.Equal(t, events.KindOrderCancelled, evt.Type)
	assert.Equal(t, created.Order.ID, evt.OrderID())
}

func TestCancelValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.CreateOrder(ctx, pickupInput())
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, created.Order.ID, CancelOrderInput{CancelledBy: "ADMIN", CancellationReason: "x"})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cancelledBy", verr.Field)

	_, err = f.svc.CancelOrder(ctx, created.Order.ID, CancelOrderInput{CancelledBy: domain.CancelledBySystem})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cancellationReason", verr.Field)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	noItems := pickupInput()
	noItems.Items = nil

	noAddress := deliveryInput()
	noAddress.DeliveryAddress = nil

	badType := pickupInput()
	badType.DeliveryType = "DRONE"

	badQty := pickupInput()
	badQty.Items[0].Quantity = 0

	tests := []struct {
		name  string
		in    CreateOrderInput
		field string
	}{
		{"missing items", noItems, "items"},
		{"delivery without address", noAddress, "deliveryAddress"},
		{"unknown delivery type", badType, "deliveryType"},
		{"zero quantity", badQty, "items[0].quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, f.bus.Published())
}

func TestCreateOrderIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := pickupInput()
	in.IdempotencyKey = "checkout-42"

	first, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	assert.Equal(t, []string{"order.created"}, f.bus.PublishedKeys())
	assert.Equal(t, int64(1), f.metrics.Counter(metrics.IdempotentReplays))
}

func TestCreateOrderIdempotentWithDifferentPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := pickupInput()
	in.IdempotencyKey = "checkout-43"

	first, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)

	changed := deliveryInput()
	changed.IdempotencyKey = "checkout-43"
	changed.CustomerID = "cust-2"
	changed.Pricing.Total = decimal.NewFromInt(99)

	invalid := CreateOrderInput{IdempotencyKey: "checkout-43", DeliveryType: domain.DeliveryTypeDelivery}

	for _, retry := range []CreateOrderInput{changed, invalid} {
		res, err := f.svc.CreateOrder(ctx, retry)
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, first.Order.ID, res.Order.ID)
		assert.Equal(t, "cust-1", res.Order.CustomerID)
		assert.Equal(t, domain.DeliveryTypePickup, res.Order.DeliveryType)
		assert.True(t, decimal.NewFromInt(27).Equal(res.Order.Pricing.Total))
		assert.Len(t, res.Order.Items, 2)
	}

	assert.Equal(t, []string{"order.created"}, f.bus.PublishedKeys())
	res, err := f.svc.ListOrders(ctx, ListOrdersInput{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
}

func TestDeliveryOrderOutForDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateOrder(ctx, deliveryInput())
	require.NoError(t, err)
	id := created.Order.ID
	for _, step := range []func(context.Context, string) (*CommandResult, error){
		f.svc.ConfirmOrder, f.svc.StartPreparing, f.svc.MarkReady,
	} {
		_, err := step(ctx, id)
		require.NoError(t, err)
	}

	_, err = f.svc.MarkOutForDelivery(ctx, id, "  ")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	res, err := f.svc.MarkOutForDelivery(ctx, id, "driver-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOutForDelivery, res.Order.Status)
	assert.Equal(t, "driver-7", res.Order.DriverID)

	history, err := f.svc.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 5)
	assert.Equal(t, domain.StatusOutForDelivery, history[4].Status)
}

func TestPickupCannotGoOutForDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateOrder(ctx, pickupInput())
	require.NoError(t, err)

	_, err = f.svc.MarkOutForDelivery(ctx, created.Order.ID, "driver-7")
	assert.True(t, errors.Is(err, domain.ErrPickupNotDeliverable))
	var terr *domain.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, domain.StatusPending, terr.From)

	order, err := f.svc.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)
}

func TestCommandOnMissingOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmOrder(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Contains(t, err.Error(), "nope")
}

func TestPublishFailureKeepsStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.CreateOrder(ctx, pickupInput())
	require.NoError(t, err)

	f.bus.SetState(bus.StateReconnecting)
	res, err := f.svc.ConfirmOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.False(t, res.Published)

	order, err := f.svc.GetOrder(ctx, created.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, order.Status)

	pending, err := f.store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "order.confirmed", pending[0].RoutingKey)
}

func TestListOrdersPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateOrder(ctx, pickupInput())
		require.NoError(t, err)
	}

	res, err := f.svc.ListOrders(ctx, ListOrdersInput{CustomerID: "cust-1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, 1, res.Page)
	assert.Len(t, res.Orders, 2)

	res, err = f.svc.ListOrders(ctx, ListOrdersInput{})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, res.Limit)

	_, err = f.svc.ListOrders(ctx, ListOrdersInput{Status: "LOST"})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = f.svc.ListOrders(ctx, ListOrdersInput{Limit: 500})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

// MockOrderRepository lets tests inject store failures.
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order *domain.Order, evt events.Event) error {
	return m.Called(ctx, order, evt).Error(0)
}

func (m *MockOrderRepository) Update(ctx context.Context, order *domain.Order, expected domain.Status, evt events.Event) error {
	return m.Called(ctx, order, expected, evt).Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	args := m.Called(ctx, id)
	o, _ := args.Get(0).(*domain.Order)
	return o, args.Error(1)
}

func (m *MockOrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	args := m.Called(ctx, key)
	o, _ := args.Get(0).(*domain.Order)
	return o, args.Error(1)
}

func (m *MockOrderRepository) List(ctx context.Context, filter repositories.ListFilter) ([]*domain.Order, int64, error) {
	args := m.Called(ctx, filter)
	orders, _ := args.Get(0).([]*domain.Order)
	return orders, args.Get(1).(int64), args.Error(2)
}

func (m *MockOrderRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type noopOutbox struct{}

func (noopOutbox) Pending(context.Context, int) ([]models.OutboxEvent, error) { return nil, nil }
func (noopOutbox) CountPending(context.Context) (int64, error)               { return 0, nil }
func (noopOutbox) MarkPublished(context.Context, string, time.Time) error    { return nil }
func (noopOutbox) MarkFailed(context.Context, string, string) error          { return nil }
func (noopOutbox) Between(context.Context, time.Time, time.Time) ([]models.OutboxEvent, error) {
	return nil, nil
}

type recordingPublisher struct {
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ events.Event) bool {
	p.keys = append(p.keys, key)
	return true
}

func pendingOrder(t *testing.T) *domain.Order {
	t.Helper()
	in := pickupInput()
	o, err := domain.NewOrder(domain.NewOrderParams{
		CustomerID:   in.CustomerID,
		RestaurantID: in.RestaurantID,
		Items:        in.Items,
		DeliveryType: in.DeliveryType,
		Pricing:      in.Pricing,
	}, time.Now())
	require.NoError(t, err)
	return o
}

func TestConcurrentModificationIsReported(t *testing.T) {
	ctx := context.Background()
	repo := new(MockOrderRepository)
	pub := &recordingPublisher{}
	m := metrics.NewMetrics()
	svc := NewOrderService(repo, noopOutbox{}, pub, m)

	o := pendingOrder(t)
	stored := o.Clone()
	stored.Status = domain.StatusCancelled
	repo.On("GetByID", mock.Anything, o.ID).Return(o, nil).Once()
	repo.On("Update", mock.Anything, mock.AnythingOfType("*domain.Order"), domain.StatusPending, mock.Anything).
		Return(&domain.ConflictError{OrderID: o.ID, ExpectedStatus: domain.StatusPending})
	repo.On("GetByID", mock.Anything, o.ID).Return(stored, nil).Once()

	_, err := svc.ConfirmOrder(ctx, o.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConcurrentModification))
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, domain.StatusCancelled, conflict.CurrentStatus)
	assert.Equal(t, domain.StatusConfirmed, conflict.AttemptedStatus)
	assert.Empty(t, pub.keys)
	assert.Equal(t, int64(1), m.Counter(metrics.ConcurrentConflicts))
	repo.AssertExpectations(t)
}

func TestStoreFailureIsConnectivity(t *testing.T) {
	ctx := context.Background()
	repo := new(MockOrderRepository)
	svc := NewOrderService(repo, noopOutbox{}, &recordingPublisher{}, nil)

	repo.On("GetByID", mock.Anything, "o1").Return(nil, errors.New("dial tcp: connection refused"))
	_, err := svc.MarkReady(ctx, "o1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectivity))
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestCreateRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	repo := new(MockOrderRepository)
	pub := &recordingPublisher{}
	svc := NewOrderService(repo, noopOutbox{}, pub, nil)

	winner := pendingOrder(t)
	repo.On("GetByIdempotencyKey", mock.Anything, "k").Return(nil, domain.ErrNotFound).Once()
	repo.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(repositories.ErrDuplicateIdempotencyKey)
	repo.On("GetByIdempotencyKey", mock.Anything, "k").Return(winner, nil).Once()

	in := pickupInput()
	in.IdempotencyKey = "k"
	res, err := svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, winner.ID, res.Order.ID)
	assert.Empty(t, pub.keys)
	repo.AssertExpectations(t)
}
