package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/bus/memory"
	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/publisher"
	"example.com/fooddelivery/services/orders/internal/repositories"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pickupBody = `{
	"customerId": "cust-1",
	"restaurantId": "rest-1",
	"deliveryType": "PICKUP",
	"items": [
		{"menuItemId": "m1", "name": "Burger", "quantity": 1, "unitPrice": 10},
		{"menuItemId": "m2", "name": "Pizza", "quantity": 1, "unitPrice": 15}
	],
	"pricing": {"subtotal": 25, "tax": 2, "total": 27}
}`

type testServer struct {
	handler  http.Handler
	bus      *memory.Bus
	tracking trackingDocs
}

// trackingDocs serves tracking documents from memory.
type trackingDocs map[string]search.TrackingDocument

func (d trackingDocs) GetTracking(_ context.Context, orderID string) (*search.TrackingDocument, error) {
	doc, ok := d[orderID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "tracking for order %s", orderID)
	}
	return &doc, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := memory.New()
	require.NoError(t, b.DeclareTopic(context.Background(), "order_events"))
	store := repositories.NewMemoryStore()
	m := metrics.NewMetrics()
	svc := services.NewOrderService(store, store, publisher.New(b, "order_events", m), m)
	tracking := trackingDocs{}
	srv := NewServer(config.ServerConfig{Address: ":0", CorsOrigins: []string{"*"}}, svc, tracking, b, m, nil)
	return &testServer{handler: srv.Handler(), bus: b, tracking: tracking}
}

type envelope struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	Data            json.RawMessage `json:"data"`
	Code            string          `json:"code"`
	Field           string          `json:"field"`
	CurrentStatus   string          `json:"currentStatus"`
	AttemptedStatus string          `json:"attemptedStatus"`
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (s *testServer) create(t *testing.T) domain.Order {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/orders", pickupBody)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var o domain.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	return o
}

func TestCreateAndFetchOrder(t *testing.T) {
	s := newTestServer(t)
	o := s.create(t)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Regexp(t, `^ORD-[0-9A-Z]+-[0-9A-Z]{6}$`, o.OrderNumber)
	assert.Equal(t, "27", o.Pricing.Total.String())

	code, env := s.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	code, env = s.do(t, http.MethodGet, "/api/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestCreateValidationError(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodPost, "/api/v1/orders", `{"customerId":"c","restaurantId":"r","deliveryType":"DELIVERY","items":[{"menuItemId":"m","name":"n","quantity":1,"unitPrice":1}]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)
	assert.Equal(t, "deliveryAddress", env.Field)

	code, env = s.do(t, http.MethodPost, "/api/v1/orders", `{"customerId":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
}

func TestCreateIdempotencyHeader(t *testing.T) {
	s := newTestServer(t)
	code, first := s.do(t, http.MethodPost, "/api/v1/orders", pickupBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, code)
	code, second := s.do(t, http.MethodPost, "/api/v1/orders", pickupBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, code)

	var a, b domain.Order
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, s.bus.Published(), 1)
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	o := s.create(t)
	base := "/api/v1/orders/" + o.ID

	code, env := s.do(t, http.MethodPost, base+"/ready", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_TRANSITION", env.Code)
	assert.Equal(t, "PENDING", env.CurrentStatus)
	assert.Equal(t, "READY", env.AttemptedStatus)

	for _, step := range []string{"/confirm", "/preparing", "/ready"} {
		code, env := s.do(t, http.MethodPost, base+step, "")
		require.Equal(t, http.StatusOK, code, env.Message)
	}

	code, env = s.do(t, http.MethodPost, base+"/out-for-delivery", `{"driverId":"d1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "PICKUP_NOT_DELIVERABLE", env.Code)
	assert.Equal(t, "READY", env.CurrentStatus)
	assert.Equal(t, "OUT_FOR_DELIVERY", env.AttemptedStatus)

	code, _ = s.do(t, http.MethodPost, base+"/delivered", "")
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodPost, base+"/cancel", `{"cancelledBy":"CUSTOMER","cancellationReason":"late"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "TERMINAL_STATE", env.Code)
	assert.Equal(t, "DELIVERED", env.CurrentStatus)

	code, env = s.do(t, http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, code)
	var history []domain.StatusChange
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Len(t, history, 5)
}

func TestCancelEndpoint(t *testing.T) {
	s := newTestServer(t)
	o := s.create(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", `{"cancelledBy":"ALIEN","cancellationReason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "cancelledBy", env.Field)

	code, env = s.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", `{"cancelledBy":"CUSTOMER","cancellationReason":"changed mind"}`)
	require.Equal(t, http.StatusOK, code)
	var cancelled domain.Order
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed mind", cancelled.CancellationReason)
	assert.Equal(t, []string{"order.created", "order.cancelled"}, s.bus.PublishedKeys())
}

func TestListEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.create(t)
	s.create(t)

	code, env := s.do(t, http.MethodGet, "/api/v1/orders?customerId=cust-1&limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var res services.ListResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, int64(2), res.Total)
	assert.Len(t, res.Orders, 1)

	code, env = s.do(t, http.MethodGet, "/api/v1/orders?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "page", env.Field)
}

func TestHealthReflectsBusState(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	s.bus.SetState(bus.StateReconnecting)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"bus":"RECONNECTING"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.create(t)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, string(body["counters"]), "events_published")
}

func TestTrackingEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.tracking["o1"] = search.TrackingDocument{OrderID: "o1", Status: "READY", LastEvent: "order.ready"}

	code, env := s.do(t, http.MethodGet, "/api/v1/orders/o1/tracking", "")
	require.Equal(t, http.StatusOK, code)
	var doc search.TrackingDocument
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "READY", doc.Status)

	code, env = s.do(t, http.MethodGet, "/api/v1/orders/o2/tracking", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestTrackingEndpointDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := memory.New()
	store := repositories.NewMemoryStore()
	m := metrics.NewMetrics()
	svc := services.NewOrderService(store, store, publisher.New(b, "order_events", m), m)
	s := &testServer{handler: NewServer(config.ServerConfig{}, svc, nil, b, m, nil).Handler(), bus: b}

	code, env := s.do(t, http.MethodGet, "/api/v1/orders/o1/tracking", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Code)
}
