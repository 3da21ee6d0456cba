package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies a failure reported by the upstream Instagram client
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error represents an upstream API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// IsRetryable checks if an error type should be retried.
// Only connection level failures are retried; every other upstream
// condition is surfaced after a single attempt.
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// Kind is the closed set of failures the gateway reports to its clients
type Kind string

const (
	KindProfileNotFound     Kind = "profile_not_found"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamFailure     Kind = "upstream_failure"
	KindInternal            Kind = "internal_error"
	KindImageFetchFailed    Kind = "image_fetch_failed"
)

// StatusCode returns the HTTP status a kind is reported with
func (k Kind) StatusCode() int {
	switch k {
	case KindProfileNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Title returns the human readable label used in the "error" field
func (k Kind) Title() string {
	switch k {
	case KindProfileNotFound:
		return "Profile not found"
	case KindRateLimited:
		return "Rate limit exceeded"
	case KindUpstreamUnavailable:
		return "Instagram connection failed"
	case KindUpstreamFailure:
		return "Instagram fetch failed"
	case KindImageFetchFailed:
		return "Image fetch failed"
	default:
		return "Internal error"
	}
}

// ServiceError is the only error shape that crosses the service boundary
type ServiceError struct {
	Kind    Kind
	Details string
	cause   error
}

func (e *ServiceError) Error() string {
	if e.Details == "" {
		return e.Kind.Title()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Title(), e.Details)
}

func (e *ServiceError) Unwrap() error {
	return e.cause
}

// New creates a ServiceError of the given kind
func New(kind Kind, details string) *ServiceError {
	return &ServiceError{Kind: kind, Details: details}
}

// Wrap creates a ServiceError that keeps cause for logging and errors.Is
func Wrap(kind Kind, details string, cause error) *ServiceError {
	return &ServiceError{Kind: kind, Details: details, cause: cause}
}

// NotFound reports a profile that does not exist upstream
func NotFound(username string) *ServiceError {
	return New(KindProfileNotFound, fmt.Sprintf("@%s doesn't exist", username))
}

// RateLimited reports a client that exhausted its quota
func RateLimited() *ServiceError {
	return New(KindRateLimited, "too many requests")
}

// ImageFetchFailed reports any image proxy failure without passing details through
func ImageFetchFailed(cause error) *ServiceError {
	return Wrap(KindImageFetchFailed, "", cause)
}

// KindOf extracts the kind of err, defaulting to KindInternal
func KindOf(err error) Kind {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

// AsService converts any error into a ServiceError.
// Errors that are not already classified become InternalError with their
// message as details.
func AsService(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return Wrap(KindInternal, err.Error(), err)
}
