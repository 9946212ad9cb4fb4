package apperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Status maps a Kind to the HTTP status the command surface returns.
func Status(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindNotAParticipant:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindAlreadyFinalized, KindInsufficientAvailability:
		return http.StatusConflict
	case KindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON body. Internal details are logged, never sent.
func Respond(c echo.Context, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal("unexpected error", err)
	}

	status := Status(e.Kind)
	body := echo.Map{"error": e.Message, "code": e.Kind}

	switch e.Kind {
	case KindInternal:
		slog.ErrorContext(c.Request().Context(), "internal server error",
			"error", err, "path", c.Path(), "request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		body["error"] = "an unexpected error occurred"
	case KindRetryable:
		slog.WarnContext(c.Request().Context(), "transient failure", "error", err, "path", c.Path())
		body["retryable"] = true
	case KindInsufficientAvailability:
		if e.Available != nil {
			body["available"] = e.Available.String()
		}
	case KindAlreadyFinalized:
		if e.OrderID != "" {
			body["order_id"] = e.OrderID
		}
	}
	return c.JSON(status, body)
}
