package engine

import (
	"sync"

	"github.com/roach88/carrier/internal/ir"
)

// StatusListener is notified after every auth status change.
type StatusListener func(old, new ir.AuthStatus)

// authState is the per-user authorization state machine. It starts
// Undetermined and only moves on classified outcomes, explicit
// validation, or a user id change.
type authState struct {
	mu        sync.Mutex
	status    ir.AuthStatus
	listeners []StatusListener
}

// set stores s and reports the previous status and whether it changed.
func (a *authState) set(s ir.AuthStatus) (ir.AuthStatus, []StatusListener, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.status
	if old == s {
		return old, nil, false
	}
	a.status = s
	ls := make([]StatusListener, len(a.listeners))
	copy(ls, a.listeners)
	return old, ls, true
}

func (a *authState) get() ir.AuthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Status returns the current auth status.
func (e *Engine) Status() ir.AuthStatus {
	return e.auth.get()
}

// OnStatusChanged registers fn to run after every status change. Listeners
// run on the goroutine that caused the change, outside engine locks.
func (e *Engine) OnStatusChanged(fn StatusListener) {
	if fn == nil {
		return
	}
	e.auth.mu.Lock()
	defer e.auth.mu.Unlock()
	e.auth.listeners = append(e.auth.listeners, fn)
}

// setStatus applies a status. A change notifies listeners and then replays
// every pending entry, since queued requests may now be deliverable.
func (e *Engine) setStatus(s ir.AuthStatus) {
	old, listeners, changed := e.auth.set(s)
	if !changed {
		return
	}
	epoch := e.nextEpoch()
	e.metrics.authStatus.Set(float64(s))
	e.logger.Info("auth status changed", "from", old.String(), "to", s.String())
	for _, fn := range listeners {
		fn(old, s)
	}
	e.replay(replayAuthChange, epoch)
}

// applyAuthOutcome feeds a classified outcome into the state machine.
// Outcomes that carry no auth information leave the status unchanged.
func (e *Engine) applyAuthOutcome(c ir.Classification) {
	if s, ok := ir.AuthTransition(c); ok {
		e.setStatus(s)
	}
}

// validationStatus maps the reply to an explicit user validation. Anything
// other than OK or ReadOnly means the user is not authorized.
func validationStatus(c ir.Classification) ir.AuthStatus {
	switch c {
	case ir.OK:
		return ir.Ready
	case ir.ReadOnly:
		return ir.ReadOnlyStatus
	default:
		return ir.NotAuthorizedStatus
	}
}
