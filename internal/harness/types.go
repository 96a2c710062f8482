package harness

import (
	"sort"

	"github.com/roach88/carrier/internal/ir"
)

// NetworkReply is the trace and script spelling of a transport failure.
const NetworkReply = "network"

// TraceEvent is one request that reached the transport.
type TraceEvent struct {
	// Step is the index of the scenario step that was running.
	Step int `json:"step"`

	Endpoint string `json:"endpoint"`

	// Attempt counts deliveries of the same request id, starting at 1.
	Attempt int `json:"attempt"`

	// Reply is the scripted HTTP status, or "network".
	Reply string `json:"reply"`

	requestID string
	seq       int
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists requests in normalized order: by step, then endpoint,
	// then attempt. Deliveries inside one step run concurrently, so arrival
	// order is not stable.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Pending is the store length after the last step.
	Pending int `json:"pending"`

	// Status is the auth status after the last step.
	Status ir.AuthStatus `json:"status"`

	// InstallMetricSent mirrors the store flag after the last step.
	InstallMetricSent bool `json:"install_metric_sent"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func normalizeTrace(events []TraceEvent) []TraceEvent {
	out := append([]TraceEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if a.Endpoint != b.Endpoint {
			return a.Endpoint < b.Endpoint
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		return a.seq < b.seq
	})
	return out
}
