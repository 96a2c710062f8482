package store

import "math/rand"

// MaxJitter bounds the random seconds added to each retry delay.
const MaxJitter = 3.0

// RandomSource yields uniform values in [0, 1).
// *rand.Rand from math/rand/v2 satisfies it.
type RandomSource interface {
	Float64() float64
}

// defaultRandom uses the goroutine-safe global generator.
type defaultRandom struct{}

func (defaultRandom) Float64() float64 { return rand.Float64() }

// DefaultRandom returns the process-wide random source.
func DefaultRandom() RandomSource { return defaultRandom{} }

// NextDelay returns the delay after one more retryable outcome:
// max(1, prev*2) + jitter. jitter is expected in [0, MaxJitter).
func NextDelay(prev, jitter float64) float64 {
	return max(1, prev*2) + jitter
}
