// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
	"github.com/provia/docchat/internal/session"
	"github.com/provia/docchat/internal/upload"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// FromError maps a domain error onto its HTTP representation.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, models.ErrSessionBusy):
		return NewConflictError("a reply is still streaming for this session")
	case errors.Is(err, models.ErrBotChallenge):
		return &APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "BOT_CHALLENGE",
			Message: "the source answered with a bot check instead of its content; try loading the document again",
			Details: err.Error(),
		}
	case errors.Is(err, models.ErrUnsupportedSource):
		return NewBadRequestError("unsupported source type", err)
	case errors.Is(err, upload.ErrInvalidUploadID):
		return NewBadRequestError("invalid upload id", err)
	case errors.Is(err, session.ErrTooManySessions):
		return NewServiceUnavailableError("too many active sessions")
	case models.IsNotFound(err):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case models.IsExtraction(err):
		return &APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "EXTRACTION_FAILED",
			Message: "could not extract text from the source",
			Details: err.Error(),
		}
	case models.IsGeneration(err):
		return &APIError{
			Status:  http.StatusBadGateway,
			Code:    "GENERATION_FAILED",
			Message: "the language model request failed",
			Details: err.Error(),
		}
	case models.IsStorage(err):
		return &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "STORAGE_ERROR",
			Message: "document storage failed",
			Details: err.Error(),
		}
	}
	return NewInternalError("an unexpected error occurred", err)
}

// NewErrorHandler returns an echo error handler that renders APIErrors as
// JSON and logs server-side failures.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(log)
func NewErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		} else {
			apiErr = FromError(err)
		}

		if apiErr.Status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", apiErr.Status),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(apiErr.Status)
			return
		}
		_ = RespondWithError(c, apiErr)
	}
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
