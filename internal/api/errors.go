package api

import (
	"net/http"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Response is the envelope of every API reply.
type Response struct {
	Success         bool          `json:"success"`
	Message         string        `json:"message"`
	Data            interface{}   `json:"data,omitempty"`
	Code            string        `json:"code,omitempty"`
	Field           string        `json:"field,omitempty"`
	CurrentStatus   domain.Status `json:"currentStatus,omitempty"`
	AttemptedStatus domain.Status `json:"attemptedStatus,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest     = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound           = &Error{Message: "Order not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrInternalServer     = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrServiceUnavailable = &Error{Message: "Service unavailable", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
)

// writeError maps domain and service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	resp := Response{Message: err.Error()}
	status := http.StatusInternalServerError

	var (
		apiErr        *Error
		validationErr *domain.ValidationError
		transitionErr *domain.TransitionError
		conflictErr   *domain.ConflictError
	)
	switch {
	case errors.As(err, &apiErr):
		status, resp.Code = apiErr.StatusCode, apiErr.Code
	case errors.As(err, &validationErr):
		status, resp.Code, resp.Field = http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Field
	case errors.As(err, &transitionErr):
		status = http.StatusBadRequest
		switch {
		case errors.Is(err, domain.ErrPickupNotDeliverable):
			resp.Code = "PICKUP_NOT_DELIVERABLE"
		case errors.Is(err, domain.ErrTerminalState):
			resp.Code = "TERMINAL_STATE"
		default:
			resp.Code = "INVALID_TRANSITION"
		}
		resp.CurrentStatus, resp.AttemptedStatus = transitionErr.From, transitionErr.To
	case errors.As(err, &conflictErr):
		status, resp.Code = http.StatusConflict, "CONCURRENT_MODIFICATION"
		resp.CurrentStatus, resp.AttemptedStatus = conflictErr.CurrentStatus, conflictErr.AttemptedStatus
		if resp.CurrentStatus == "" {
			resp.CurrentStatus = conflictErr.ExpectedStatus
		}
	case errors.Is(err, domain.ErrPickupNotDeliverable):
		status, resp.Code = http.StatusBadRequest, "PICKUP_NOT_DELIVERABLE"
	case errors.Is(err, domain.ErrValidation):
		status, resp.Code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotFound):
		status, resp.Code = http.StatusNotFound, ErrNotFound.Code
	case errors.Is(err, domain.ErrConcurrentModification):
		status, resp.Code = http.StatusConflict, "CONCURRENT_MODIFICATION"
	case errors.Is(err, search.ErrTrackingDisabled):
		status, resp.Code = http.StatusServiceUnavailable, ErrServiceUnavailable.Code
	case errors.Is(err, services.ErrConnectivity):
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("Order store unavailable")
		status, resp.Code, resp.Message = http.StatusServiceUnavailable, ErrServiceUnavailable.Code, ErrServiceUnavailable.Message
	default:
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("Unhandled error")
		resp.Code, resp.Message = ErrInternalServer.Code, ErrInternalServer.Message
	}

	c.AbortWithStatusJSON(status, resp)
}
