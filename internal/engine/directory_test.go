package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/testutil"
)

func TestDiscovery_GatesDispatchUntilResolved(t *testing.T) {
	f := newFixture(t, WithRandom(testutil.NewScriptedRandom(0.5)))
	f.transport.Route(DiscoveryEndpoint,
		testutil.NetworkFailure(),
		testutil.DiscoveryReply(postHost, authHost, metricsHost, ""))
	results := newOutcomes()

	_, err := f.engine.PostAchievement("gated", results.callback())
	require.NoError(t, err)

	// First discovery fails; the retry is scheduled 5s + 0.5*10s out.
	f.waitForTimer(1)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.clock.Deadlines())
	assert.Zero(t, f.transport.Count(AchievementsEndpoint), "suspended, not failed")
	assert.Empty(t, results)
	assert.Nil(t, f.engine.Hosts())

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, ir.OK, results.next(t).Classification)
	f.waitIdle()

	assert.Equal(t, 2, f.transport.Count(DiscoveryEndpoint))
	assert.Equal(t, 1, f.transport.Count(AchievementsEndpoint))
	assert.Equal(t, map[ir.ServiceClass]string{
		ir.ServiceDiscovery: "discovery.test",
		ir.ServicePost:      postHost,
		ir.ServiceAuth:      authHost,
		ir.ServiceMetrics:   metricsHost,
	}, f.engine.Hosts())
	assert.Empty(t, f.engine.SessionID())
}

func TestDiscovery_RequestShape(t *testing.T) {
	f := newFixture(t)
	f.engine.settings.LaunchURL = "https://example.com/launch?x=1"

	done := f.engine.startDiscovery()
	select {
	case res := <-done:
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery did not finish")
	}

	calls := f.transport.CallsTo(DiscoveryEndpoint)
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "discovery.test", call.Host)
	assert.Equal(t, "GET", call.Form.Get("_method"))
	assert.Equal(t, "https://example.com/launch?x=1", call.Form.Get("launch_url"))
	assert.Equal(t, "user-1", call.Form.Get("user_id"))
	assert.NotEmpty(t, call.Form.Get("sig"))
	assert.Equal(t, "sess-1", f.engine.SessionID())
	assert.Equal(t, ir.Undetermined, f.engine.Status(), "discovery does not feed auth")
}

func TestDiscovery_IncompleteReplyIsRetried(t *testing.T) {
	f := newFixture(t)
	f.transport.Route(DiscoveryEndpoint,
		testutil.Reply{Status: 200, Body: `{"code":200,"post":"p"}`},
		testutil.DiscoveryReply(postHost, authHost, metricsHost, ""))

	f.engine.startDiscovery()
	f.waitForTimer(1)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.clock.Deadlines())
	f.clock.Advance(5 * time.Second)
	f.waitIdle()
	assert.NotNil(t, f.engine.Hosts())
}

func TestDiscovery_SharedByConcurrentWaiters(t *testing.T) {
	f := newFixture(t)
	f.transport.Hold()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.PostHighScore(10, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return f.transport.Count(DiscoveryEndpoint) == 1 }, 5*time.Second, time.Millisecond)
	f.transport.Release()
	f.waitIdle()

	assert.Equal(t, 1, f.transport.Count(DiscoveryEndpoint))
	assert.Equal(t, 10, f.transport.Count(ScoresEndpoint))
	assert.Zero(t, f.store.Len())
}

func TestDiscovery_DrainsStoreOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.store.Enqueue(ir.ServiceMetrics, SessionEndpoint, ir.Object{"n": ir.Int(int64(i))})
		require.NoError(t, err)
	}

	f.engine.startDiscovery()
	f.waitIdle()

	assert.Equal(t, 3, f.transport.Count(SessionEndpoint))
	assert.Zero(t, f.store.Len())
	for _, c := range f.transport.CallsTo(SessionEndpoint) {
		assert.Equal(t, metricsHost, c.Host)
	}
}

func TestDiscovery_DrainCoversEntryWaitingAtGate(t *testing.T) {
	f := newFixture(t, WithRandom(testutil.NewScriptedRandom(0.5)))
	f.transport.Route(DiscoveryEndpoint,
		testutil.NetworkFailure(),
		testutil.DiscoveryReply(postHost, authHost, metricsHost, ""))
	f.transport.Route(AchievementsEndpoint, testutil.Status(500))
	results := newOutcomes()

	entry, err := f.engine.PostAchievement("early_bird", results.callback())
	require.NoError(t, err)
	f.waitForTimer(1)
	f.clock.Advance(10 * time.Second)

	out := results.next(t)
	assert.True(t, out.Retained)
	f.waitIdle()

	assert.Zero(t, f.clock.Pending(), "no second attempt is waiting on a retry delay")
	assert.Equal(t, 2, f.transport.Count(DiscoveryEndpoint))
	assert.Equal(t, 1, f.transport.Count(AchievementsEndpoint))
	assert.Equal(t, 1, entry.Retries())
	assert.True(t, entry.Pending())
}

func TestDiscovery_StopsOnClose(t *testing.T) {
	f := newFixture(t)
	f.transport.Route(DiscoveryEndpoint, testutil.NetworkFailure())

	_, err := f.engine.PostAchievement("never", nil)
	require.NoError(t, err)
	f.waitForTimer(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- f.engine.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("close blocked on discovery retry")
	}
}
