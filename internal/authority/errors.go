package authority

import (
	"context"
	"errors"
	"fmt"
)

// Category is the normalized failure taxonomy for authority calls.
type Category string

const (
	// CategoryNetwork: the request never got a response (DNS, TCP, TLS, reset).
	CategoryNetwork Category = "network"

	// CategoryUnavailable: the authority answered but is not serving (5xx, 429).
	CategoryUnavailable Category = "unavailable"

	// CategoryTimeout: the per-call deadline elapsed or the call was cancelled.
	CategoryTimeout Category = "timeout"

	// CategoryRejected: the authority refused the document on business rules.
	CategoryRejected Category = "rejected"

	// CategoryUnauthorized: credentials or the cached token were refused.
	CategoryUnauthorized Category = "unauthorized"

	// CategoryBadResponse: the authority answered with something we cannot use.
	CategoryBadResponse Category = "bad_response"
)

// Error wraps authority failures with a category and retry hint.
type Error struct {
	Category     Category
	Message      string
	Observations []string
	Underlying   error
	Retryable    bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("authority [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("authority [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError creates a categorized error. Rejections and bad responses are the
// only non-retryable categories.
func NewError(category Category, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		Message:    message,
		Underlying: underlying,
		Retryable:  category != CategoryRejected && category != CategoryBadResponse,
	}
}

// CategoryOf classifies any error returned by a SubmissionClient. Context
// errors count as timeouts; unclassified errors count as network failures.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTimeout
	}
	return CategoryNetwork
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return true
}

// IsRejection reports whether the authority refused the document itself.
func IsRejection(err error) bool {
	return CategoryOf(err) == CategoryRejected
}
