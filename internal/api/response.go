package api

import (
	"net/http"
	"time"

	"transcribeengine/internal/apierr"

	"github.com/gin-gonic/gin"
)

// envelope is the common JSON response shape spec §4.E requires: every
// JSON response under /api/v1 carries success, an optional data payload,
// an optional error, and a timestamp. GET /health is outside /api/v1 and
// answers with a bare status object instead.
type envelope struct {
	Success   bool        `json:"success"`
	Data      any         `json:"data,omitempty"`
	Error     *errorBody  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data, Timestamp: time.Now()})
}

// respondError maps an internal error to the fixed HTTP status its
// apierr.Code carries and never surfaces a raw internal error message;
// it always uses the Error's own Message rather than err.Error(), which
// would additionally expose a wrapped cause.
func respondError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, envelope{
			Success:   false,
			Error:     &errorBody{Code: string(apierr.StoreError), Message: "internal error"},
			Timestamp: time.Now(),
		})
		return
	}
	c.JSON(apierr.HTTPStatus(apiErr.Code), envelope{
		Success:   false,
		Error:     &errorBody{Code: string(apiErr.Code), Message: apiErr.Message},
		Timestamp: time.Now(),
	})
}
