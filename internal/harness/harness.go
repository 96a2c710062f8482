package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/testutil"
	"github.com/roach88/carrier/internal/transport"
)

// Epoch is the manual clock's starting time for every scenario.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Settings are the engine settings scenarios run with.
var Settings = engine.Settings{
	AppID:         "app-123",
	AppSecret:     "scenario-secret",
	AppVersion:    "1.0.0",
	SDKPlatform:   "linux",
	DiscoveryHost: "discovery.test",
}

// Directory hosts returned by the scripted discovery reply.
const (
	PostHost    = "post.test"
	AuthHost    = "auth.test"
	MetricsHost = "metrics.test"
)

const (
	settleTimeout = 10 * time.Second
	settlePoll    = 20 * time.Millisecond
)

// recorder wraps the scripted transport and builds the trace.
type recorder struct {
	inner transport.Transport

	mu       sync.Mutex
	step     int
	events   []TraceEvent
	attempts map[string]int
}

func (r *recorder) Post(ctx context.Context, rawURL string, form url.Values, att *transport.Attachment) (*transport.Response, error) {
	resp, err := r.inner.Post(ctx, rawURL, form, att)

	reply := NetworkReply
	if err == nil {
		reply = strconv.Itoa(resp.StatusCode)
	}
	endpoint := rawURL
	if u, perr := url.Parse(rawURL); perr == nil {
		endpoint = u.Path
	}
	id := form.Get("request_id")

	r.mu.Lock()
	r.attempts[id]++
	r.events = append(r.events, TraceEvent{
		Step:      r.step,
		Endpoint:  endpoint,
		Attempt:   r.attempts[id],
		Reply:     reply,
		requestID: id,
		seq:       len(r.events),
	})
	r.mu.Unlock()
	return resp, err
}

func (r *recorder) setStep(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = i
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return normalizeTrace(r.events)
}

// Harness runs one scenario against a real engine, a real store file, a
// manual clock and a scripted backend.
type Harness struct {
	scenario *Scenario
	dir      string
	clock    *clock.Manual
	ids      *testutil.SequenceIDs
	rec      *recorder
	logger   *slog.Logger

	store  *store.Store
	engine *engine.Engine
}

// Run executes a scenario and evaluates its assertions. The returned error
// covers harness failures; assertion failures are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "carrier-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	tr := testutil.NewScriptedTransport()
	tr.Route(engine.DiscoveryEndpoint, testutil.DiscoveryReply(PostHost, AuthHost, MetricsHost, "scenario-session"))
	for endpoint, specs := range scenario.Replies {
		replies := make([]testutil.Reply, len(specs))
		for i, s := range specs {
			if s.Network {
				replies[i] = testutil.NetworkFailure()
			} else if endpoint == engine.DiscoveryEndpoint && s.Status == 200 {
				replies[i] = testutil.DiscoveryReply(PostHost, AuthHost, MetricsHost, "scenario-session")
			} else {
				replies[i] = testutil.Status(s.Status)
			}
		}
		tr.Route(endpoint, replies...)
	}

	h := &Harness{
		scenario: scenario,
		dir:      dir,
		clock:    clock.NewManual(Epoch),
		ids:      testutil.NewSequenceIDs("req"),
		rec:      &recorder{inner: tr, attempts: make(map[string]int)},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := h.open(); err != nil {
		return nil, err
	}
	defer func() {
		if h.engine != nil {
			h.engine.Close()
		}
	}()

	for i, step := range scenario.Steps {
		h.rec.setStep(i)
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.settle(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		h.logger.Info("step completed", "step", i, "kinds", step.kinds(), "requests", h.rec.count())
	}

	result := NewResult()
	result.Trace = h.rec.trace()
	result.Pending = h.store.Len()
	result.Status = h.engine.Status()
	result.InstallMetricSent = h.store.InstallMetricSent()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) open() error {
	st, err := store.Open(filepath.Join(h.dir, "pending.db"),
		store.WithClock(h.clock),
		store.WithIDGenerator(h.ids),
		store.WithRandom(testutil.NewScriptedRandom(h.scenario.Jitter)),
		store.WithLogger(h.logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	e, err := engine.New(st, Settings,
		engine.WithTransport(h.rec),
		engine.WithClock(h.clock),
		engine.WithIDGenerator(h.ids),
		engine.WithRandom(testutil.NewScriptedRandom(h.scenario.Jitter)),
		engine.WithLogger(h.logger),
		engine.WithMetricsRegisterer(prometheus.NewRegistry()),
		engine.WithMaxRetries(h.scenario.MaxRetries))
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}

	user := h.scenario.UserID
	if user == "" {
		user = "user-1"
	}
	if err := e.SetUserID(user); err != nil {
		e.Close()
		return err
	}
	h.store, h.engine = st, e
	return nil
}

func (h *Harness) execute(step Step) error {
	e := h.engine
	switch {
	case step.Send != nil:
		class, err := ir.ParseServiceClass(step.Send.Class)
		if err != nil {
			return err
		}
		params, err := ir.ObjectFromGo(step.Send.Params)
		if err != nil {
			return fmt.Errorf("send params: %w", err)
		}
		_, err = e.EnqueueAndDispatch(class, step.Send.Endpoint, params, nil)
		return err
	case step.Achievement != "":
		_, err := e.PostAchievement(step.Achievement, nil)
		return err
	case step.HighScore != nil:
		_, err := e.PostHighScore(*step.HighScore, nil)
		return err
	case step.ValidateUser != "":
		return e.ValidateUser(context.Background(), step.ValidateUser, nil)
	case step.SetUser != "":
		return e.SetUserID(step.SetUser)
	case step.Start:
		return e.Start()
	case step.Replay:
		_, err := e.Replay()
		return err
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case step.Restart:
		if err := e.Close(); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		h.engine = nil
		return h.open()
	}
	return errors.New("empty step")
}

// settle waits until the engine is idle, or until every remaining
// goroutine is parked on the manual clock: timers are pending and no
// request has been sent for two polls.
func (h *Harness) settle() error {
	deadline := time.Now().Add(settleTimeout)
	last := -1
	for {
		ctx, cancel := context.WithTimeout(context.Background(), settlePoll)
		err := h.engine.WaitIdle(ctx)
		cancel()
		if err == nil {
			return nil
		}
		n := h.rec.count()
		if h.clock.Pending() > 0 && n == last {
			return nil
		}
		last = n
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not settle within %s", settleTimeout)
		}
	}
}
