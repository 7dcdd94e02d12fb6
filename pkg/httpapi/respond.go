package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// ErrorBody is the error object of every non-2xx response.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// respondErr maps a pipeline error onto an HTTP status.
func respondErr(c *gin.Context, err error) {
	_ = c.Error(err)
	var se *lrerrors.StageError
	switch {
	case errors.Is(err, lrerrors.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, lrerrors.ErrValidation),
		errors.Is(err, lrerrors.ErrUnsupportedKind),
		errors.Is(err, lrerrors.ErrUnknownStage):
		respondError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, lrerrors.ErrConflict),
		errors.Is(err, lrerrors.ErrJobActive),
		errors.Is(err, lrerrors.ErrReportTerminal),
		errors.Is(err, lrerrors.ErrDependenciesUnmet):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &se):
		status := http.StatusBadGateway
		switch se.Code {
		case lrerrors.ErrTimeout:
			status = http.StatusGatewayTimeout
		case lrerrors.ErrCapabilityUnavailable, lrerrors.ErrRateLimit:
			status = http.StatusServiceUnavailable
		}
		respondError(c, status, string(se.Code), se.Message)
	case errors.Is(err, lrerrors.ErrStorageUnavailable):
		respondError(c, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
