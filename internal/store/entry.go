package store

import "github.com/roach88/carrier/internal/ir"

// PendingEntry is a request awaiting delivery plus its retry count.
//
// Mutable state is guarded by the owning Store's mutex; read it through the
// accessor methods.
type PendingEntry struct {
	req     ir.Request
	retries int
	removed bool
	store   *Store
}

// ID returns the request id, the entry's identity.
func (e *PendingEntry) ID() string {
	return e.req.RequestID
}

// Request returns a copy of the request with its current retry delay.
func (e *PendingEntry) Request() ir.Request {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	r := e.req
	r.Parameters = e.req.Parameters.Clone()
	return r
}

// Retries returns how many retryable outcomes the entry has seen.
func (e *PendingEntry) Retries() int {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.retries
}

// Pending reports whether the entry is still in the store.
func (e *PendingEntry) Pending() bool {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return !e.removed
}

// Store returns the owning store.
func (e *PendingEntry) Store() *Store {
	return e.store
}
