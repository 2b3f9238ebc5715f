// Package errors defines the coded errors shared by the call services,
// the HTTP layer and the client. The code travels on the wire; the status
// is what the HTTP layer answers with.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code carried in error envelopes
type ErrorCode string

const (
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallConflict ErrorCode = "CALL_CONFLICT"

	ErrCodeMediaUnavailable     ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeSignalInvalid        ErrorCode = "SIGNAL_INVALID"

	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

var defaultStatus = map[ErrorCode]int{
	ErrCodeValidation:           http.StatusBadRequest,
	ErrCodeMissingField:         http.StatusBadRequest,
	ErrCodeSignalInvalid:        http.StatusBadRequest,
	ErrCodeUnauthorized:         http.StatusUnauthorized,
	ErrCodeForbidden:            http.StatusForbidden,
	ErrCodeCallNotFound:         http.StatusNotFound,
	ErrCodeCallConflict:         http.StatusConflict,
	ErrCodeRateLimitExceeded:    http.StatusTooManyRequests,
	ErrCodeMediaUnavailable:     http.StatusServiceUnavailable,
	ErrCodeServiceUnavail:       http.StatusServiceUnavailable,
	ErrCodeTransportUnavailable: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status a code maps to, 500 when unknown
func StatusFor(code ErrorCode) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is a coded error with the HTTP status it should surface as
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches data that is returned alongside the code
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New builds an AppError whose status comes from StatusFor
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: StatusFor(code)}
}

// NewWithStatus builds an AppError with an explicit status, as the client
// does when rebuilding an error from a response envelope
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

// WrapWithStatus is NewWithStatus keeping err as the cause
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode, Err: err}
}

func wrap(code ErrorCode, message string, err error) *AppError {
	return WrapWithStatus(code, message, StatusFor(code), err)
}

func ValidationError(message string) *AppError { return New(ErrCodeValidation, message) }

func MissingFieldError(field string) *AppError {
	return New(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field))
}

func ForbiddenError(message string) *AppError { return New(ErrCodeForbidden, message) }

func CallNotFoundError() *AppError { return New(ErrCodeCallNotFound, "Call not found") }

func CallConflictError() *AppError {
	return New(ErrCodeCallConflict, "A call between these users is already in progress")
}

func SignalInvalidError(message string) *AppError { return New(ErrCodeSignalInvalid, message) }

// MediaUnavailableError reports that local capture could not be opened
func MediaUnavailableError(err error) *AppError {
	return wrap(ErrCodeMediaUnavailable, "Local media unavailable", err)
}

// TransportUnavailableError reports that the peer connection could not be built
func TransportUnavailableError(err error) *AppError {
	return wrap(ErrCodeTransportUnavailable, "Peer transport could not be created", err)
}

func DatabaseError(err error) *AppError { return wrap(ErrCodeDatabase, "Database error", err) }

// HasCode reports whether err carries an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// GetAppError unwraps the AppError in err, or wraps err as an internal error
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return wrap(ErrCodeInternal, "Internal server error", err)
}
