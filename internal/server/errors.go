package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/importer"
)

// NotFoundJSON returns a custom HTTP error handler that returns JSON responses
// This ensures all errors (including 404s) have consistent JSON format
func NotFoundJSON() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		// Don't send response if already committed
		if c.Response().Committed {
			return
		}

		// Handle Echo HTTP errors (like 404, 400, etc.)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, ErrorResponse{
				Error: http.StatusText(he.Code),
				Code:  he.Code,
			})
			return
		}

		code := statusFor(err)
		_ = c.JSON(code, ErrorResponse{
			Error: http.StatusText(code),
			Code:  code,
			Kind:  string(apperr.KindOf(err)),
		})
	}
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	if errors.Is(err, importer.ErrBusy) {
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransientService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
