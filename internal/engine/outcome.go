package engine

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/transport"
)

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Classification ir.Classification

	// StatusCode is the HTTP status, 0 when no response arrived.
	StatusCode int

	// ErrorText is the server's error message, the transport error, or the
	// status text. Empty for OK.
	ErrorText string

	// Reply is the decoded JSON reply object, nil if the body was empty or
	// not an object.
	Reply ir.Object

	RequestID string
	Endpoint  string

	// Retained is set for stored entries that are still pending after the
	// retry policy ran; RetryDelay is then the delay for the next attempt.
	Retained   bool
	RetryDelay float64

	// Dropped is set when the retry budget removed the entry.
	Dropped bool
}

// Callback receives the outcome of a dispatch. It runs on the dispatch
// goroutine and must not block for long.
type Callback func(Outcome)

// Err returns nil for OK and a *DeliveryError otherwise.
func (o Outcome) Err() error {
	if o.Classification == ir.OK {
		return nil
	}
	code := ErrCodeRejected
	switch {
	case o.Dropped:
		code = ErrCodeRetriesExhausted
	case o.Classification == ir.NetworkError:
		code = ErrCodeUnreachable
	}
	de := &DeliveryError{
		Code:           code,
		Classification: o.Classification,
		RequestID:      o.RequestID,
		Endpoint:       o.Endpoint,
		Message:        o.ErrorText,
	}
	if o.StatusCode != 0 {
		de.Details = map[string]string{"status": fmt.Sprint(o.StatusCode)}
	}
	return de
}

// classify turns a transport result into an Outcome. A numeric "code" in the
// reply body takes precedence over the HTTP status line.
func classify(resp *transport.Response, err error) Outcome {
	if err != nil {
		return Outcome{Classification: ir.NetworkError, ErrorText: err.Error()}
	}

	out := Outcome{StatusCode: resp.StatusCode}
	code := resp.StatusCode
	if reply, ok := decodeReply(resp.Body); ok {
		out.Reply = reply
		if c, ok := reply["code"].(ir.Int); ok {
			code = int(c)
		}
	}
	out.Classification = ir.ClassifyStatus(code)
	if out.Classification != ir.OK {
		out.ErrorText = replyError(out.Reply, code)
	}
	return out
}

func decodeReply(body []byte) (ir.Object, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	v, err := ir.UnmarshalValue(body)
	if err != nil {
		return nil, false
	}
	obj, ok := v.(ir.Object)
	return obj, ok
}

func replyError(reply ir.Object, code int) string {
	for _, key := range []string{"error", "errors", "message"} {
		v, ok := reply[key]
		if !ok {
			continue
		}
		if s, ok := ir.Text(v); ok {
			return s
		}
		return ir.Describe(v)
	}
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	return fmt.Sprintf("status %d", code)
}
