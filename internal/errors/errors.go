package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/roi-ledger/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents data provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryCache represents cache backend errors
	CategoryCache ErrorCategory = "cache"
	// CategoryRateLimit represents admission control denials
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryWarning is attached to successful but incomplete results
	CategoryWarning ErrorCategory = "warning"
)

// Codes of the provider-facing taxonomy.
const (
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnsupportedChain = "UNSUPPORTED_CHAIN"
	CodeProviderAuth     = "PROVIDER_AUTH_ERROR"
	CodeTransientNetwork = "TRANSIENT_NETWORK_ERROR"
	CodeInvalidAddress   = "INVALID_ADDRESS"
	CodePartialData      = "PARTIAL_DATA_WARNING"
	CodeNotFound         = "NOT_FOUND"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewInvalidAddressError is returned before any network call is made.
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAddress,
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnsupportedChainError is permanent for the source that raised it.
func NewUnsupportedChainError(chain string, source string) *CategorizedError {
	details := map[string]interface{}{"chain": chain}
	if source != "" {
		details["source"] = source
	}
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnsupportedChain,
		Message:    fmt.Sprintf("unsupported chain: %s", chain),
		Details:    details,
	}
}

// NewRateLimitError tells the caller to come back after retryAfter.
func NewRateLimitError(reason string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limited: %s", reason),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"reason":       reason,
			"retryAfterMs": retryAfter.Milliseconds(),
		},
	}
}

// NewProviderAuthError is a configuration problem; it is not retried.
func NewProviderAuthError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderAuth,
		Message:    fmt.Sprintf("data provider rejected credentials: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewTransientNetworkError is retryable with backoff.
func NewTransientNetworkError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeTransientNetwork,
		Message:    fmt.Sprintf("transient provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderRateLimitError is raised when the provider itself throttles us.
func NewProviderRateLimitError(provider string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("data provider rate limit exceeded: %s", provider),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"provider":     provider,
			"retryAfterMs": retryAfter.Milliseconds(),
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewPartialDataWarning accompanies a successful but truncated result. It is not a failure.
func NewPartialDataWarning(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWarning,
		StatusCode: http.StatusOK,
		Code:       CodePartialData,
		Message:    fmt.Sprintf("partial data: %s", reason),
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// FromErrorKind maps an adapter error kind onto the taxonomy. It returns nil for ErrorKindNone.
func FromErrorKind(kind types.ErrorKind, source string, cause error) *CategorizedError {
	switch kind {
	case types.ErrorKindNone:
		return nil
	case types.ErrorKindUnsupportedChain:
		err := NewUnsupportedChainError("", source)
		err.Cause = cause
		return err
	case types.ErrorKindAuth:
		return NewProviderAuthError(source, cause)
	case types.ErrorKindRateLimited:
		err := NewProviderRateLimitError(source, 0)
		err.Cause = cause
		return err
	case types.ErrorKindTransient:
		return NewTransientNetworkError(source, cause)
	case types.ErrorKindNotFound:
		err := NewNotFoundError("wallet activity", source)
		err.Cause = cause
		return err
	}
	return NewInternalError(fmt.Sprintf("unknown error kind %q from %s", kind, source), cause)
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Code {
	case CodeTransientNetwork, CodeRateLimited:
		return true
	case CodeProviderAuth, CodeUnsupportedChain, CodeInvalidAddress, CodePartialData:
		return false
	}
	return catErr.Category == CategoryCache
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsWarning reports whether err only annotates a successful result.
func IsWarning(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryWarning
}
