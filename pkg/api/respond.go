package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/storage"
)

// envelope is the uniform response shape: {"success": true, "data": ...} or
// {"success": false, "error": {...}}.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

// respondError maps a service error onto the envelope. Taxonomy codes are
// emitted verbatim; anything else is CAP_INTERNAL with the detail kept out
// of the response body.
func respondError(c *gin.Context, err error) {
	e := coerce(err)
	status := httpStatus(e.Code)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, envelope{Success: false, Error: &errorBody{
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Context,
	}})
}

// bindError reports a malformed request body.
func bindError(c *gin.Context, err error) {
	respondError(c, caperr.Wrap(caperr.CodeValidInput, "request body is not valid JSON", err))
}

// coerce turns storage sentinels and unknown errors into taxonomy errors so
// the status mapping has one input shape.
func coerce(err error) *caperr.Error {
	var e *caperr.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return caperr.New(caperr.CodeRunNotFound, "resource not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		return caperr.New(caperr.CodeAgentConflict, "resource already exists")
	case errors.Is(err, storage.ErrConcurrentModification):
		return caperr.New(caperr.CodeAgentConflict, "resource was modified concurrently")
	case errors.Is(err, storage.ErrThreadClosed):
		return caperr.New(caperr.CodeThreadClosed, "thread no longer accepts messages")
	case errors.Is(err, storage.ErrInvalidInput):
		return caperr.New(caperr.CodeValidInput, "invalid input")
	}
	var verr *storage.ValidationError
	if errors.As(err, &verr) {
		return caperr.New(caperr.CodeValidField, verr.Error())
	}
	return &caperr.Error{Code: caperr.CodeInternal, Message: "internal error"}
}

func httpStatus(code caperr.Code) int {
	switch code {
	case caperr.CodeValidInput, caperr.CodeValidField, caperr.CodeValidSchema:
		return http.StatusBadRequest
	case caperr.CodeAgentNotFound, caperr.CodeThreadNotFound,
		caperr.CodeRunNotFound, caperr.CodeInterruptNotFound:
		return http.StatusNotFound
	case caperr.CodeRunTimeout, caperr.CodeTimeoutRun:
		return http.StatusRequestTimeout
	case caperr.CodeAgentConflict, caperr.CodeInterruptConflict,
		caperr.CodeThreadClosed, caperr.CodeRunCancelled:
		return http.StatusConflict
	case caperr.CodeInterruptExpired:
		return http.StatusGone
	case caperr.CodeNetRateLimited:
		return http.StatusTooManyRequests
	case caperr.CodeAgentNotReady, caperr.CodeAgentUnhealthy,
		caperr.CodeNetUnavailable, caperr.CodeRAGUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
