package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/fooddelivery/services/orders/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorConflictCarriesStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name      string
		err       error
		current   domain.Status
		attempted domain.Status
	}{
		{
			name: "reloaded status",
			err: &domain.ConflictError{
				OrderID:         "o1",
				ExpectedStatus:  domain.StatusPending,
				CurrentStatus:   domain.StatusCancelled,
				AttemptedStatus: domain.StatusConfirmed,
			},
			current:   domain.StatusCancelled,
			attempted: domain.StatusConfirmed,
		},
		{
			name:    "falls back to expected status",
			err:     errors.Wrap(&domain.ConflictError{OrderID: "o1", ExpectedStatus: domain.StatusReady}, "update"),
			current: domain.StatusReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			writeError(c, tt.err)

			assert.Equal(t, http.StatusConflict, rec.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "CONCURRENT_MODIFICATION", resp.Code)
			assert.Equal(t, tt.current, resp.CurrentStatus)
			assert.Equal(t, tt.attempted, resp.AttemptedStatus)
		})
	}
}
