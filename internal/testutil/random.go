package testutil

import "sync"

// ScriptedRandom returns the scripted values in order and then repeats the
// last one. With no values it always returns 0.
//
// Thread-safety: safe for concurrent use.
type ScriptedRandom struct {
	mu     sync.Mutex
	values []float64
	idx    int
}

// NewScriptedRandom creates a source returning values in order.
func NewScriptedRandom(values ...float64) *ScriptedRandom {
	return &ScriptedRandom{values: values}
}

// Float64 returns the next scripted value in [0, 1).
func (r *ScriptedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return 0
	}
	v := r.values[r.idx]
	if r.idx < len(r.values)-1 {
		r.idx++
	}
	return v
}
