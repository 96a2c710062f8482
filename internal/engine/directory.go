package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/carrier/internal/ir"
)

// DiscoveryEndpoint is the path of the service discovery call.
const DiscoveryEndpoint = "/services.json"

// Discovery retry jitter band.
const (
	discoveryRetryMin = 5 * time.Second
	discoveryRetryMax = 15 * time.Second
)

// directory maps service classes to hosts. The discovery host is fixed at
// construction; the others are filled once by a successful discovery call
// and never change afterwards.
type directory struct {
	mu        sync.Mutex
	hosts     map[ir.ServiceClass]string
	sessionID string
	ready     chan struct{}
	resolved  bool

	flight singleflight.Group
}

func newDirectory(discoveryHost string) *directory {
	return &directory{
		hosts: map[ir.ServiceClass]string{ir.ServiceDiscovery: discoveryHost},
		ready: make(chan struct{}),
	}
}

// host returns the host for class and whether it is known yet.
func (d *directory) host(class ir.ServiceClass) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[class]
	return h, ok && h != ""
}

func (d *directory) session() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *directory) isResolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved
}

// resolve fills the hosts and opens the gate. Later calls are ignored.
func (d *directory) resolve(post, auth, metrics, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return false
	}
	d.hosts[ir.ServicePost] = post
	d.hosts[ir.ServiceAuth] = auth
	d.hosts[ir.ServiceMetrics] = metrics
	d.sessionID = sessionID
	d.resolved = true
	close(d.ready)
	return true
}

// Hosts returns the resolved host for every class, or nil before discovery
// has completed.
func (e *Engine) Hosts() map[ir.ServiceClass]string {
	e.dir.mu.Lock()
	defer e.dir.mu.Unlock()
	if !e.dir.resolved {
		return nil
	}
	out := make(map[ir.ServiceClass]string, len(e.dir.hosts))
	for k, v := range e.dir.hosts {
		out[k] = v
	}
	return out
}

// SessionID returns the session id assigned by discovery, if any.
func (e *Engine) SessionID() string {
	return e.dir.session()
}

// startDiscovery kicks off the discovery loop if it is not already running
// and returns a channel that fires when the loop exits.
func (e *Engine) startDiscovery() <-chan singleflight.Result {
	return e.dir.flight.DoChan("services", func() (any, error) {
		if !e.track() {
			return nil, ErrClosed
		}
		defer e.untrack()
		return nil, e.discoverUntilResolved(e.ctx)
	})
}

// awaitDirectory suspends until the service directory is resolved, ctx is
// done, or the engine closes.
func (e *Engine) awaitDirectory(ctx context.Context) error {
	if e.dir.isResolved() {
		return nil
	}
	done := e.startDiscovery()
	select {
	case <-e.dir.ready:
		return nil
	case <-done:
		if e.dir.isResolved() {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discoverUntilResolved issues discovery calls until one succeeds. Each
// failure is followed by a uniformly jittered wait; there is no backoff
// growth since nothing else can be delivered until this succeeds.
func (e *Engine) discoverUntilResolved(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		params := ir.Object{"_method": ir.String("GET")}
		if e.settings.LaunchURL != "" {
			params["launch_url"] = ir.String(e.settings.LaunchURL)
		}
		req := ir.NewRequest(ir.ServiceDiscovery, DiscoveryEndpoint, params, e.ids, e.clock.Now())

		out, ok := e.deliver(ctx, req, deliverOptions{skipAuth: true})
		if !ok {
			return ctx.Err()
		}
		epoch := e.nextEpoch()
		if e.applyDiscovery(out) {
			e.logger.Info("service discovery complete",
				"attempt", attempt,
				"post", out.Reply["post"],
				"auth", out.Reply["auth"],
				"metrics", out.Reply["metrics"])
			e.replay(replayDiscovery, epoch)
			return nil
		}

		wait := e.uniform(discoveryRetryMin, discoveryRetryMax)
		e.logger.Warn("service discovery failed, retrying",
			"attempt", attempt,
			"outcome", out.Classification.String(),
			"error", out.ErrorText,
			"retry_in", wait)
		select {
		case <-e.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) applyDiscovery(out Outcome) bool {
	if out.Classification != ir.OK || out.Reply == nil {
		return false
	}
	post, okPost := ir.Text(out.Reply["post"])
	auth, okAuth := ir.Text(out.Reply["auth"])
	metrics, okMetrics := ir.Text(out.Reply["metrics"])
	if !okPost || !okAuth || !okMetrics || post == "" || auth == "" || metrics == "" {
		return false
	}
	session, _ := ir.Text(out.Reply["session_id"])
	return e.dir.resolve(post, auth, metrics, session)
}

// uniform returns a duration drawn uniformly from [min, max).
func (e *Engine) uniform(min, max time.Duration) time.Duration {
	return min + time.Duration(e.random.Float64()*float64(max-min))
}
