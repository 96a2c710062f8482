package engine

import "fmt"

// RetryBudget caps how many retryable outcomes a stored entry may see
// before it is dropped from the store.
//
// The zero budget is unbounded. Entries still age out at load through the
// store's max age.
type RetryBudget struct {
	maxRetries int
}

// NewRetryBudget creates a budget. maxRetries <= 0 means unbounded.
func NewRetryBudget(maxRetries int) RetryBudget {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBudget{maxRetries: maxRetries}
}

// Unbounded reports whether the budget never drops entries.
func (b RetryBudget) Unbounded() bool {
	return b.maxRetries == 0
}

// Check validates an entry's retry count against the limit.
//
// Returns RetriesExceededError once retries has reached the limit.
func (b RetryBudget) Check(requestID string, retries int) error {
	if b.Unbounded() || retries < b.maxRetries {
		return nil
	}
	return &RetriesExceededError{
		RequestID: requestID,
		Retries:   retries,
		Limit:     b.maxRetries,
	}
}

// RetriesExceededError is returned when an entry has used its budget.
type RetriesExceededError struct {
	RequestID string
	Retries   int
	Limit     int
}

// Error implements the error interface.
func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("request %s exceeded retry budget: %d retries >= %d limit",
		e.RequestID, e.Retries, e.Limit)
}
