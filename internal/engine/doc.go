// Package engine delivers signed requests to the backend.
//
// The engine turns API calls into requests, stores the ones that must
// survive a restart, and drives each delivery attempt through discovery,
// signing, transport, and classification.
//
// ARCHITECTURE:
//
// Delivery Flow:
// 1. EnqueueAndDispatch persists the request in the store, then starts a
// goroutine for it. Dispatch skips the store for one-shot calls.
// 2. The goroutine waits for the service directory (discovery runs once,
// shared by every waiter through singleflight).
// 3. It waits out the request's retry delay on the injected clock.
// 4. Common fields are merged, the parameters are signed, and the form is
// posted.
// 5. The reply is classified; non-metrics outcomes feed the auth state
// machine.
// 6. For stored entries the retry policy removes the entry or grows its
// delay, then the callback runs.
//
// Replay:
// A retried entry is not re-sent on a timer. Every pending entry is
// dispatched again when the auth status changes, when discovery completes,
// or when Replay is called. An entry already in flight is re-run once after
// its current attempt instead of being sent twice concurrently.
//
// Shutdown:
// Close cancels every attempt, waits for the goroutines, drops late replies
// without touching the store, and closes the store with a final flush.
package engine
