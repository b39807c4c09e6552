package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// ErrorResponse is the JSON body sent for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CustomHTTPErrorHandler maps sentinel errors from internal/wqerrors to
// HTTP status codes: 404 for an unknown model or execution, 400 for a
// malformed sweep spec, a step-count mismatch or a duplicate model name,
// and 500 otherwise. An *echo.HTTPError keeps its own code.
func CustomHTTPErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	} else {
		switch {
		case errors.Is(err, wqerrors.ErrModelNotFound), errors.Is(err, wqerrors.ErrExecutionNotFound):
			code = http.StatusNotFound
		case errors.Is(err, wqerrors.ErrInvalidSweepSpec), errors.Is(err, wqerrors.ErrNonEqualStepCount), errors.Is(err, wqerrors.ErrModelExists):
			code = http.StatusBadRequest
		}
	}

	if c.Response().Committed {
		return
	}

	if c.Request().Method == http.MethodHead {
		if sendErr := c.NoContent(code); sendErr != nil {
			wqlog.New().WithError(sendErr).Errorf("failed to send error response")
		}
		return
	}

	if sendErr := c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: message}); sendErr != nil {
		wqlog.New().WithError(sendErr).Errorf("failed to send error response")
	}
}
