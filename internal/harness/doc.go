// Package harness runs delivery scenarios against the engine.
//
// A scenario is a YAML file naming a scripted backend (status codes or
// network failures per endpoint), a list of steps (posts, raw sends,
// validation, replay, clock advances, restarts), and assertions on the
// final state. Each run uses a fresh store file, a manual clock starting at
// Epoch, sequential request ids, and fixed jitter, so the normalized trace
// is stable and can be compared against a golden file.
//
// The engine under test is the real one: discovery, signing, the retry
// policy, the auth state machine and the SQLite store all run unchanged.
// Only the transport and time are scripted.
//
// Example:
//
//	name: retry_then_replay
//	replies:
//	  /me/scores.json: [500, 200]
//	steps:
//	  - achievement: warmup
//	  - high_score: 10
//	  - replay: true
//	  - advance: 1s
//	assertions:
//	  - type: pending_count
//	    count: 0
package harness
