package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/carrier/internal/ir"
)

// row is the persisted shape of one pending entry.
type row struct {
	requestID    string
	serviceClass int
	endpoint     string
	parameters   string
	attachment   []byte
	requestDate  int64
	retryDelay   float64
	retries      int
}

// encodeEntry serializes parameters with the canonical serializer so a
// reloaded entry signs identically.
func encodeEntry(e *PendingEntry) (row, error) {
	params, err := ir.MarshalCanonical(e.req.Parameters)
	if err != nil {
		return row{}, fmt.Errorf("encode %s parameters: %w", e.req.RequestID, err)
	}
	return row{
		requestID:    e.req.RequestID,
		serviceClass: int(e.req.ServiceClass),
		endpoint:     e.req.Endpoint,
		parameters:   string(params),
		attachment:   e.req.Attachment,
		requestDate:  e.req.RequestDate,
		retryDelay:   e.req.RetryDelay,
		retries:      e.retries,
	}, nil
}

func (r row) decode() (*PendingEntry, error) {
	var params ir.Object
	if err := json.Unmarshal([]byte(r.parameters), &params); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", r.requestID, err)
	}
	req := ir.Request{
		ServiceClass: ir.ServiceClass(r.serviceClass),
		Endpoint:     r.endpoint,
		Parameters:   params,
		RequestID:    r.requestID,
		RequestDate:  r.requestDate,
		RetryDelay:   r.retryDelay,
		Attachment:   r.attachment,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("decode pending row: %w", err)
	}
	if r.retries < 0 || r.retryDelay < 0 {
		return nil, fmt.Errorf("decode %s: negative retry state", r.requestID)
	}
	return &PendingEntry{req: req, retries: r.retries}, nil
}
