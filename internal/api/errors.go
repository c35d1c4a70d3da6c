package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(code int, message string, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, message, details)
}

func InternalError(message, details string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message, details)
}

// handleError renders err as an APIError. Internal details are only shown in
// debug mode.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		apiErr *APIError
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &apiErr):
		apiErr = &APIError{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details}
	case errors.As(err, &he):
		apiErr = &APIError{
			Code:    he.Code,
			Message: httpMessage(he.Code),
			Details: fmt.Sprintf("%v", he.Message),
		}
	default:
		apiErr = InternalError("Internal server error", err.Error())
	}

	if apiErr.Code >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Msg("Request failed")
		if !c.Echo().Debug {
			apiErr.Details = "An internal error occurred. Please try again later."
		}
	}

	if err := c.JSON(apiErr.Code, apiErr); err != nil {
		s.log.Error().Err(err).Msg("Failed to write error response")
	}
}

// httpMessage returns a user-friendly message for HTTP status codes.
func httpMessage(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "Bad request"
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusMethodNotAllowed:
		return "Method not allowed"
	case http.StatusRequestEntityTooLarge:
		return "Request entity too large"
	case http.StatusTooManyRequests:
		return "Too many requests"
	case http.StatusInternalServerError:
		return "Internal server error"
	case http.StatusServiceUnavailable:
		return "Service unavailable"
	}
	return http.StatusText(code)
}
