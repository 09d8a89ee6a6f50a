package api

import (
	"context"
	"net/http"
	"strconv"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OrderHandler serves the order lifecycle endpoints.
type OrderHandler struct {
	orders   *services.OrderService
	tracking search.TrackingReader
}

func NewOrderHandler(orders *services.OrderService, tracking search.TrackingReader) *OrderHandler {
	return &OrderHandler{orders: orders, tracking: tracking}
}

// RegisterRoutes mounts the handler under rg.
func (h *OrderHandler) RegisterRoutes(rg *gin.RouterGroup) {
	orders := rg.Group("/orders")
	orders.POST("", h.CreateOrder)
	orders.GET("", h.ListOrders)
	orders.GET("/:id", h.GetOrder)
	orders.GET("/:id/history", h.GetHistory)
	orders.GET("/:id/tracking", h.GetTracking)
	orders.POST("/:id/confirm", h.ConfirmOrder)
	orders.POST("/:id/preparing", h.StartPreparing)
	orders.POST("/:id/ready", h.MarkReady)
	orders.POST("/:id/out-for-delivery", h.MarkOutForDelivery)
	orders.POST("/:id/delivered", h.MarkDelivered)
	orders.POST("/:id/cancel", h.CancelOrder)
}

type outForDeliveryRequest struct {
	DriverID string `json:"driverId"`
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		log.Debug().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("Invalid request body")
		writeError(c, &Error{Message: "Invalid request body: " + err.Error(), StatusCode: http.StatusBadRequest, Code: ErrInvalidRequest.Code})
		return false
	}
	return true
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var in services.CreateOrderInput
	if !bindJSON(c, &in) {
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Replayed {
		respond(c, http.StatusOK, "Order already exists", res.Order)
		return
	}
	respond(c, http.StatusCreated, "Order created", res.Order)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	in := services.ListOrdersInput{
		CustomerID:   c.Query("customerId"),
		RestaurantID: c.Query("restaurantId"),
		DriverID:     c.Query("driverId"),
		Status:       domain.Status(c.Query("status")),
	}
	var ok bool
	if in.Page, ok = queryInt(c, "page"); !ok {
		return
	}
	if in.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}

	res, err := h.orders.ListOrders(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "Orders retrieved", res)
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, domain.NewValidationError(name, "must be an integer"))
		return 0, false
	}
	return n, true
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "Order retrieved", order)
}

func (h *OrderHandler) GetHistory(c *gin.Context) {
	history, err := h.orders.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "Order history retrieved", history)
}

// GetTracking serves the tracking projection, which can trail the order by
// the reactors' processing lag.
func (h *OrderHandler) GetTracking(c *gin.Context) {
	doc, err := h.tracking.GetTracking(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, "Order tracking retrieved", doc)
}

func (h *OrderHandler) ConfirmOrder(c *gin.Context) {
	h.command(c, "Order confirmed", h.orders.ConfirmOrder)
}

func (h *OrderHandler) StartPreparing(c *gin.Context) {
	h.command(c, "Order is being prepared", h.orders.StartPreparing)
}

func (h *OrderHandler) MarkReady(c *gin.Context) {
	h.command(c, "Order is ready", h.orders.MarkReady)
}

func (h *OrderHandler) MarkDelivered(c *gin.Context) {
	h.command(c, "Order delivered", h.orders.MarkDelivered)
}

func (h *OrderHandler) MarkOutForDelivery(c *gin.Context) {
	var req outForDeliveryRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.orders.MarkOutForDelivery(c.Request.Context(), c.Param("id"), req.DriverID)
	h.finish(c, "Order is out for delivery", res, err)
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	var in services.CancelOrderInput
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), in)
	h.finish(c, "Order cancelled", res, err)
}

func (h *OrderHandler) command(c *gin.Context, message string, fn func(ctx context.Context, id string) (*services.CommandResult, error)) {
	res, err := fn(c.Request.Context(), c.Param("id"))
	h.finish(c, message, res, err)
}

func (h *OrderHandler) finish(c *gin.Context, message string, res *services.CommandResult, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Published {
		log.Warn().
			Str("order_id", res.Order.ID).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("State change committed, event queued for relay")
	}
	respond(c, http.StatusOK, message, res.Order)
}
