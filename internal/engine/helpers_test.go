package engine

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/testutil"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testSecret  = "s3cret"
	postHost    = "post.test"
	authHost    = "auth.test"
	metricsHost = "metrics.test"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() Settings {
	return Settings{
		AppID:         "app-123",
		AppSecret:     testSecret,
		AppVersion:    "1.4.0",
		SDKPlatform:   "linux",
		DiscoveryHost: "discovery.test",
	}
}

type fixture struct {
	t         *testing.T
	engine    *Engine
	store     *store.Store
	transport *testutil.ScriptedTransport
	clock     *clock.Manual
	ids       *testutil.SequenceIDs
	registry  *prometheus.Registry
}

// newFixture builds an engine over a temp store with a scripted transport,
// a manual clock, zero jitter, and user "user-1".
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "pending.db"),
		store.WithClock(clk),
		store.WithRandom(testutil.NewScriptedRandom(0)),
		store.WithLogger(quietLogger()))
	require.NoError(t, err)

	tr := testutil.NewScriptedTransport()
	tr.Route(DiscoveryEndpoint, testutil.DiscoveryReply(postHost, authHost, metricsHost, "sess-1"))

	ids := testutil.NewSequenceIDs("req")
	reg := prometheus.NewRegistry()
	all := append([]Option{
		WithTransport(tr),
		WithClock(clk),
		WithIDGenerator(ids),
		WithRandom(testutil.NewScriptedRandom(0)),
		WithLogger(quietLogger()),
		WithMetricsRegisterer(reg),
	}, opts...)

	e, err := New(st, testSettings(), all...)
	require.NoError(t, err)
	require.NoError(t, e.SetUserID("user-1"))
	t.Cleanup(func() { e.Close() })

	return &fixture{t: t, engine: e, store: st, transport: tr, clock: clk, ids: ids, registry: reg}
}

// resolve fills the directory without running discovery or draining.
func (f *fixture) resolve() {
	f.engine.dir.resolve(postHost, authHost, metricsHost, "sess-1")
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.engine.WaitIdle(ctx))
}

// waitForTimer waits until n timers are scheduled on the manual clock.
func (f *fixture) waitForTimer(n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.clock.Pending() >= n },
		5*time.Second, time.Millisecond, "expected %d pending timers", n)
}

// outcomes collects callback outcomes.
type outcomes chan Outcome

func newOutcomes() outcomes { return make(outcomes, 64) }

func (o outcomes) callback() Callback {
	return func(out Outcome) { o <- out }
}

func (o outcomes) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-o:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return Outcome{}
	}
}

// formObject rebuilds the signed field set from a posted form. Every field
// is rendered as its form text, which is exactly what the signature covers.
func formObject(form url.Values) (ir.Object, string) {
	obj := ir.Object{}
	for k, v := range form {
		if k == "sig" {
			continue
		}
		obj[k] = ir.String(v[0])
	}
	return obj, form.Get("sig")
}
