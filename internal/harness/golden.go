package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/carrier/internal/ir"
)

// Snapshot renders a scenario trace as canonical JSON.
func Snapshot(name string, trace []TraceEvent) ([]byte, error) {
	events := make(ir.Array, len(trace))
	for i, ev := range trace {
		events[i] = ir.Object{
			"step":     ir.Int(int64(ev.Step)),
			"endpoint": ir.String(ev.Endpoint),
			"attempt":  ir.Int(int64(ev.Attempt)),
			"reply":    ir.String(ev.Reply),
		}
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario": ir.String(name),
		"trace":    events,
	})
}

// RunWithGolden runs a scenario and compares its trace with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	data, err := Snapshot(scenario.Name, result.Trace)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}
