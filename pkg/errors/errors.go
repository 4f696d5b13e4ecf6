package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrProviderRateLimited signals the remote provider asked us to slow down.
	ErrProviderRateLimited = &AppError{
		Code:       "PROVIDER_RATE_LIMITED",
		Message:    "The listing provider is rate limiting requests, please retry shortly",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrProviderUnavailable covers transient network/5xx failures after retries exhaust.
	ErrProviderUnavailable = &AppError{
		Code:       "PROVIDER_UNAVAILABLE",
		Message:    "The listing provider is temporarily unavailable",
		StatusCode: http.StatusBadGateway,
	}

	// ErrProviderAuth surfaces an expired or rejected provider credential after
	// re-acquisition attempts exhaust.
	ErrProviderAuth = &AppError{
		Code:       "PROVIDER_AUTH_FAILED",
		Message:    "Provider credentials were rejected; check the account's client id and secret",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrAccountConfig covers configuration and conflict class failures: bad account
	// ids, duplicate external ids, constraint violations. Never retried.
	ErrAccountConfig = &AppError{
		Code:       "ACCOUNT_MISCONFIGURED",
		Message:    "The provider account configuration is invalid for this dealer",
		StatusCode: http.StatusConflict,
	}

	// ErrNoDataAvailable is the terminal no-cache-and-remote-down error, returned
	// only after every emergency fallback came up empty.
	ErrNoDataAvailable = &AppError{
		Code:       "NO_DATA_AVAILABLE",
		Message:    "No cached inventory exists and the listing provider cannot be reached",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrUnknownDealer indicates the caller identity resolved to no registered dealer.
	ErrUnknownDealer = &AppError{
		Code:       "UNKNOWN_DEALER",
		Message:    "No dealer is registered for the supplied identity",
		StatusCode: http.StatusNotFound,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError coerces any error into an AppError suitable for rendering.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewNotFound builds a 404 with a specific message.
func NewNotFound(message string) *AppError {
	return &AppError{
		Code:       ErrNotFound.Code,
		Message:    message,
		StatusCode: ErrNotFound.StatusCode,
	}
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
