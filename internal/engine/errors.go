package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/carrier/internal/ir"
)

// ErrClosed is returned by every entry point after Close.
var ErrClosed = errors.New("engine: closed")

// ErrInvalidArgument marks caller mistakes: empty ids, missing user id,
// non-finite amounts. Match with errors.Is.
var ErrInvalidArgument = errors.New("engine: invalid argument")

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// DeliveryError describes a delivery attempt that did not end in OK.
//
// Delivery failures are normally reported through Outcome; DeliveryError
// is the error form for callers that want one (the CLI, tests).
type DeliveryError struct {
	// Code identifies the error category.
	Code DeliveryErrorCode

	// Classification is the outcome of the last attempt.
	Classification ir.Classification

	// RequestID identifies the request.
	RequestID string

	// Endpoint is the request path.
	Endpoint string

	// Message is the error text reported by the server or transport.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// DeliveryErrorCode categorizes delivery errors.
type DeliveryErrorCode string

const (
	// ErrCodeRejected means the backend answered with a non-OK status.
	ErrCodeRejected DeliveryErrorCode = "REJECTED"

	// ErrCodeUnreachable means no response reached the client.
	ErrCodeUnreachable DeliveryErrorCode = "UNREACHABLE"

	// ErrCodeRetriesExhausted means a stored entry was dropped by the
	// retry budget.
	ErrCodeRetriesExhausted DeliveryErrorCode = "RETRIES_EXHAUSTED"
)

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Code, e.Endpoint, e.Classification)
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request=%s)", e.RequestID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ClassificationOf extracts the classification carried by err.
// Uses errors.As to handle wrapped errors.
func ClassificationOf(err error) (ir.Classification, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Classification, true
	}
	return 0, false
}

// IsRetriesExhausted reports whether err is a DeliveryError raised because
// the retry budget dropped the entry, or a RetriesExceededError.
func IsRetriesExhausted(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code == ErrCodeRetriesExhausted
	}
	var re *RetriesExceededError
	return errors.As(err, &re)
}
