package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ValidationError ErrorType = "VALIDATION_ERROR"
	NotFoundError   ErrorType = "NOT_FOUND"
	AuthError       ErrorType = "AUTHENTICATION_ERROR"
	ForbiddenError  ErrorType = "FORBIDDEN"
	ConflictError   ErrorType = "CONFLICT"
	RateLimitError  ErrorType = "RATE_LIMITED"
	ServerError     ErrorType = "SERVER_ERROR"
	TransportError  ErrorType = "TRANSPORT_ERROR"
)

// AppError represents a structured error returned by the notification API or
// raised while talking to it.
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Raw        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Raw
}

// Wrap wraps a raw error with AppError context
func Wrap(err error, errType ErrorType, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     err.Error(),
		HTTPStatus: getHTTPStatus(errType),
		Raw:        err,
	}
}

func ValidationFailed(message string, details string) *AppError {
	return &AppError{
		Type:       ValidationError,
		Message:    message,
		Detail:     details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Transport wraps a network level failure (dial, read, write, timeout).
func Transport(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:    TransportError,
		Message: message,
		Detail:  err.Error(),
		Raw:     err,
	}
}

// FromHTTPStatus maps a non-2xx response status onto an AppError.
func FromHTTPStatus(status int, message string) *AppError {
	if message == "" {
		message = http.StatusText(status)
	}

	var errType ErrorType
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		errType = ValidationError
	case status == http.StatusUnauthorized:
		errType = AuthError
	case status == http.StatusForbidden:
		errType = ForbiddenError
	case status == http.StatusNotFound:
		errType = NotFoundError
	case status == http.StatusConflict:
		errType = ConflictError
	case status == http.StatusTooManyRequests:
		errType = RateLimitError
	default:
		errType = ServerError
	}

	return &AppError{
		Type:       errType,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    message,
		HTTPStatus: status,
	}
}

// IsAuthError reports whether err carries an authentication or authorization failure.
func IsAuthError(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == AuthError || appErr.Type == ForbiddenError
}

// IsNotFound reports whether err is a NOT_FOUND AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == NotFoundError
}

// IsRetryable reports whether repeating the operation may succeed.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case TransportError, RateLimitError:
		return true
	case ServerError:
		return appErr.HTTPStatus == 0 || appErr.HTTPStatus >= http.StatusInternalServerError
	default:
		return false
	}
}

func getHTTPStatus(errType ErrorType) int {
	switch errType {
	case ValidationError:
		return http.StatusBadRequest
	case NotFoundError:
		return http.StatusNotFound
	case AuthError:
		return http.StatusUnauthorized
	case ForbiddenError:
		return http.StatusForbidden
	case ConflictError:
		return http.StatusConflict
	case RateLimitError:
		return http.StatusTooManyRequests
	case TransportError:
		return 0
	default:
		return http.StatusInternalServerError
	}
}
