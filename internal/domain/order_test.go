package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func pickupParams() NewOrderParams {
	return NewOrderParams{
		CustomerID:   "customer-1",
		RestaurantID: "restaurant-1",
		Items: []Item{
			{MenuItemID: "m1", Name: "Burger", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
			{MenuItemID: "m2", Name: "Pizza", Quantity: 1, UnitPrice: decimal.NewFromInt(15)},
		},
		DeliveryType: DeliveryTypePickup,
		Pricing: Pricing{
			Subtotal: decimal.NewFromInt(25),
			Tax:      decimal.NewFromInt(2),
			Total:    decimal.NewFromInt(27),
		},
	}
}

func deliveryParams() NewOrderParams {
	p := pickupParams()
	p.DeliveryType = DeliveryTypeDelivery
	p.DeliveryAddress = &Address{
		Street:   "1 Main St",
		City:     "Springfield",
		State:    "IL",
		ZipCode:  "62701",
		Location: Location{Longitude: -89.65, Latitude: 39.78},
	}
	return p
}

func orderAt(t *testing.T, status Status) *Order {
	t.Helper()
	o, err := NewOrder(deliveryParams(), testNow)
	require.NoError(t, err)
	o.Status = status
	return o
}

func TestNewOrder(t *testing.T) {
	o, err := NewOrder(pickupParams(), testNow)
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusPending, o.Status)
	require.Len(t, o.StatusHistory, 1)
	assert.Equal(t, StatusPending, o.StatusHistory[0].Status)
	assert.Nil(t, o.DeliveryAddress)
	assert.Empty(t, o.DriverID)
	assert.Nil(t, o.ActualDeliveryTime)
	assert.True(t, o.Pricing.Total.Equal(decimal.NewFromInt(27)))
	assert.Regexp(t, regexp.MustCompile(`^ORD-[0-9A-Z]+-[0-9A-Z]{6}$`), o.OrderNumber)

	eta := o.EstimatedDeliveryTime.Sub(testNow)
	assert.GreaterOrEqual(t, eta, 30*time.Minute)
	assert.LessOrEqual(t, eta, 45*time.Minute)
}

func TestNewOrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *NewOrderParams)
		field  string
	}{
		{"no items", func(p *NewOrderParams) { p.Items = nil }, "items"},
		{"zero quantity", func(p *NewOrderParams) { p.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"negative price", func(p *NewOrderParams) { p.Items[1].UnitPrice = decimal.NewFromInt(-1) }, "items[1].unitPrice"},
		{"missing customer", func(p *NewOrderParams) { p.CustomerID = "" }, "customerId"},
		{"unknown delivery type", func(p *NewOrderParams) { p.DeliveryType = "DRONE" }, "deliveryType"},
		{"delivery without address", func(p *NewOrderParams) { p.DeliveryType = DeliveryTypeDelivery }, "deliveryAddress"},
		{"negative tip", func(p *NewOrderParams) { p.Pricing.Tip = decimal.NewFromInt(-3) }, "pricing.tip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pickupParams()
			tt.mutate(&p)

			_, err := NewOrder(p, testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	for _, from := range Statuses {
		for _, to := range Statuses {
			o := orderAt(t, from)
			before := len(o.StatusHistory)

			err := o.Transition(to, "", testNow.Add(time.Minute))

			switch {
			case from.IsTerminal():
				require.Error(t, err, "%s -> %s", from, to)
				assert.True(t, errors.Is(err, ErrTerminalState), "%s -> %s", from, to)
				assert.False(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", from, to)
				assert.Len(t, o.StatusHistory, before)
			case CanTransition(from, to):
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, o.Status)
				require.Len(t, o.StatusHistory, before+1)
				assert.Equal(t, to, o.StatusHistory[before].Status)
			default:
				require.Error(t, err, "%s -> %s", from, to)
				assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", from, to)
				assert.Equal(t, from, o.Status)
				assert.Len(t, o.StatusHistory, before)
			}
		}
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusConfirmed))
	assert.True(t, CanTransition(StatusReady, StatusDelivered))
	assert.True(t, CanTransition(StatusOutForDelivery, StatusCancelled))
	assert.False(t, CanTransition(StatusConfirmed, StatusReady))
	assert.False(t, CanTransition(StatusPending, StatusPending))
	assert.False(t, CanTransition(StatusDelivered, StatusCancelled))
}

func TestTransitionErrorMessage(t *testing.T) {
	o := orderAt(t, StatusConfirmed)
	err := o.Transition(StatusDelivered, "", testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIRMED")
	assert.Contains(t, err.Error(), "DELIVERED")

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatusConfirmed, terr.From)
	assert.Equal(t, StatusDelivered, terr.To)
}

func TestDeliveredTimestampSetOnce(t *testing.T) {
	o := orderAt(t, StatusReady)
	deliveredAt := testNow.Add(20 * time.Minute)

	require.NoError(t, o.Transition(StatusDelivered, "", deliveredAt))
	require.NotNil(t, o.ActualDeliveryTime)
	assert.True(t, deliveredAt.Equal(*o.ActualDeliveryTime))

	err := o.Transition(StatusDelivered, "", deliveredAt.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrTerminalState))
	assert.True(t, deliveredAt.Equal(*o.ActualDeliveryTime))
}

func TestAssignDriver(t *testing.T) {
	t.Run("delivery order", func(t *testing.T) {
		o := orderAt(t, StatusReady)
		require.NoError(t, o.AssignDriver("driver-7", testNow))
		assert.Equal(t, StatusOutForDelivery, o.Status)
		assert.Equal(t, "driver-7", o.DriverID)
	})

	t.Run("missing driver", func(t *testing.T) {
		o := orderAt(t, StatusReady)
		err := o.AssignDriver("  ", testNow)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.Equal(t, StatusReady, o.Status)
	})

	t.Run("pickup rejected in every status", func(t *testing.T) {
		for _, s := range Statuses {
			o, err := NewOrder(pickupParams(), testNow)
			require.NoError(t, err)
			o.Status = s

			err = o.AssignDriver("driver-7", testNow)
			assert.True(t, errors.Is(err, ErrPickupNotDeliverable), s)
			assert.Empty(t, o.DriverID)
		}
	})
}

func TestCancel(t *testing.T) {
	o := orderAt(t, StatusPending)
	require.NoError(t, o.Cancel(CancelledByCustomer, "changed mind", testNow))
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, CancelledByCustomer, o.CancelledBy)
	assert.Equal(t, "changed mind", o.CancellationReason)

	err := o.Cancel(CancelledBySystem, "again", testNow)
	assert.True(t, errors.Is(err, ErrTerminalState))
	assert.Equal(t, CancelledByCustomer, o.CancelledBy)

	fresh := orderAt(t, StatusPending)
	assert.True(t, errors.Is(fresh.Cancel("NOBODY", "x", testNow), ErrValidation))
	assert.True(t, errors.Is(fresh.Cancel(CancelledByRestaurant, "", testNow), ErrValidation))
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestCloneIsIndependent(t *testing.T) {
	o := orderAt(t, StatusPending)
	c := o.Clone()
	require.NoError(t, c.Transition(StatusConfirmed, "", testNow))
	c.DeliveryAddress.City = "Elsewhere"

	assert.Equal(t, StatusPending, o.Status)
	assert.Len(t, o.StatusHistory, 1)
	assert.Equal(t, "Springfield", o.DeliveryAddress.City)
}
