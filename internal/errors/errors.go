// Package errors defines the service error type returned across the HTTP
// boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine readable error identifier.
type ErrorCode string

const (
	CodeExpired           ErrorCode = "META_TX_EXPIRED"
	CodeBadSignature      ErrorCode = "MISSIGNED"
	CodeStaleCounter      ErrorCode = "STALE_OR_REPLAYED_COUNTER"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeBalanceOverflow   ErrorCode = "BALANCE_OVERFLOW"
	CodeUnknownAccount    ErrorCode = "UNKNOWN_ACCOUNT"

	CodeInvalidFormat     ErrorCode = "INVALID_FORMAT"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail field and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError wrapping err.
func Wrap(err error, code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

func Expired(err error) *ServiceError {
	return Wrap(err, CodeExpired, "instruction expired", http.StatusUnprocessableEntity)
}

func BadSignature(err error) *ServiceError {
	return Wrap(err, CodeBadSignature, "signature does not authorize this instruction", http.StatusUnauthorized)
}

func StaleCounter(err error) *ServiceError {
	return Wrap(err, CodeStaleCounter, "counter does not match the account's current counter", http.StatusConflict)
}

func InsufficientFunds(err error) *ServiceError {
	return Wrap(err, CodeInsufficientFunds, "insufficient funds", http.StatusUnprocessableEntity)
}

func BalanceOverflow(err error) *ServiceError {
	return Wrap(err, CodeBalanceOverflow, "balance would overflow", http.StatusUnprocessableEntity)
}

func UnknownAccount(err error) *ServiceError {
	return Wrap(err, CodeUnknownAccount, "unknown account", http.StatusNotFound)
}

func InvalidFormat(field, reason string) *ServiceError {
	return New(CodeInvalidFormat, "invalid request", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(err, CodeInvalidToken, "invalid or expired token", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func NotFound(resource string) *ServiceError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}
