package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails. It carries the trace
// so a failure can be read without re-running the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] step=%d %s attempt=%d reply=%s\n", i+1, ev.Step, ev.Endpoint, ev.Attempt, ev.Reply)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return msgs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRequestCount:
		return assertRequestCount(result.Trace, a)
	case AssertPendingCount:
		if result.Pending != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d pending entries", a.Count),
				Actual:   fmt.Sprintf("%d pending entries", result.Pending),
				Trace:    result.Trace,
			}
		}
	case AssertAuthStatus:
		want, _ := parseAuthStatus(a.Status)
		if result.Status != want {
			return &AssertionError{
				Type:     a.Type,
				Expected: want.String(),
				Actual:   result.Status.String(),
				Trace:    result.Trace,
			}
		}
	case AssertReplySequence:
		return assertReplySequence(result.Trace, a)
	case AssertInstallMetricSent:
		if result.InstallMetricSent != *a.Value {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprint(*a.Value),
				Actual:   fmt.Sprint(result.InstallMetricSent),
				Trace:    result.Trace,
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertRequestCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Endpoint == a.Endpoint {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s requested %d times", a.Endpoint, a.Count),
			Actual:   fmt.Sprintf("requested %d times", n),
			Trace:    trace,
		}
	}
	return nil
}

func assertReplySequence(trace []TraceEvent, a Assertion) error {
	var got []string
	for _, ev := range trace {
		if ev.Endpoint == a.Endpoint {
			got = append(got, ev.Reply)
		}
	}
	if strings.Join(got, ",") != strings.Join(a.Replies, ",") {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s replies %v", a.Endpoint, a.Replies),
			Actual:   fmt.Sprintf("replies %v", got),
			Trace:    trace,
		}
	}
	return nil
}
