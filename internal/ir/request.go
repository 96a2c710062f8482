package ir

import (
	"fmt"
	"time"
)

// SignatureField is the form field carrying the request signature. It is
// reserved and never a caller parameter.
const SignatureField = "sig"

// Request is one API call. Everything but RetryDelay is fixed at
// construction; RetryDelay grows as a stored entry is retried.
type Request struct {
	ServiceClass ServiceClass `json:"service_class"`
	Endpoint     string       `json:"endpoint"`
	Parameters   Object       `json:"parameters"`

	// RequestID is stable for the life of the request. The backend uses it
	// to discard duplicate deliveries.
	RequestID string `json:"request_id"`

	// RequestDate is epoch seconds at construction.
	RequestDate int64 `json:"request_date"`

	// RetryDelay is the delay in seconds applied before the next attempt.
	RetryDelay float64 `json:"retry_delay"`

	// Attachment is an optional binary payload sent as a separate multipart
	// field. It is never part of the signature input.
	Attachment []byte `json:"-"`
}

// NewRequest stamps a fresh request id and the current wall-clock second.
// The parameter bag is copied and normalized (see Normalize), so the request
// sends the same bytes before and after a store reload.
func NewRequest(class ServiceClass, endpoint string, params Object, ids IDGenerator, now time.Time) Request {
	if params == nil {
		params = Object{}
	}
	return Request{
		ServiceClass: class,
		Endpoint:     endpoint,
		Parameters:   params.Normalized(),
		RequestID:    ids.Generate(),
		RequestDate:  now.Unix(),
	}
}

// Validate checks the fields every request must carry.
func (r Request) Validate() error {
	if !r.ServiceClass.Valid() {
		return fmt.Errorf("request %s: invalid service class %d", r.RequestID, int(r.ServiceClass))
	}
	if r.Endpoint == "" || r.Endpoint[0] != '/' {
		return fmt.Errorf("request %s: endpoint %q must start with '/'", r.RequestID, r.Endpoint)
	}
	if r.RequestID == "" {
		return fmt.Errorf("request has empty request id")
	}
	if _, ok := r.Parameters[SignatureField]; ok {
		return fmt.Errorf("request %s: parameter %q is reserved", r.RequestID, SignatureField)
	}
	return nil
}
