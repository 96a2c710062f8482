package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/ir"
)

func TestEnqueue_AppendsInCallOrder(t *testing.T) {
	s, clk := createTestStore(t)

	for i := 0; i < 5; i++ {
		e, err := s.Enqueue(ir.ServicePost, "/me/achievements.json", achievement(fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("req-%d", i+1), e.ID())
		assert.Zero(t, e.Retries())
		assert.Zero(t, e.Request().RetryDelay)
		assert.Equal(t, clk.Now().Unix(), e.Request().RequestDate)
	}

	var ids []string
	for _, e := range s.Entries() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"req-1", "req-2", "req-3", "req-4", "req-5"}, ids)
}

func TestEnqueue_PersistsBeforeReturning(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Enqueue(ir.ServicePost, "/me/achievements.json", achievement("first_win"))
	require.NoError(t, err)

	// Read the file through a second connection without closing s.
	db, err := sql.Open("sqlite3", s.Path())
	require.NoError(t, err)
	defer db.Close()

	var params string
	require.NoError(t, db.QueryRow(`SELECT parameters FROM pending WHERE request_id = 'req-1'`).Scan(&params))
	assert.Equal(t, `{"achievement_id":"first_win"}`, params)
}

func TestEnqueue_RejectsInvalidRequests(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Enqueue(ir.ServicePost, "no-slash", nil)
	assert.Error(t, err)

	_, err = s.Enqueue(ir.ServicePost, "/x", ir.Object{"amount": ir.Decimal("bad")})
	assert.Error(t, err)

	_, err = s.Enqueue(ir.ServicePost, "/x", ir.Object{"sig": ir.String("forged")})
	assert.Error(t, err)

	req := ir.NewRequest(ir.ServicePost, "/x", nil, ir.NewFixedGenerator("dup", "dup"), testEpoch)
	_, err = s.EnqueueRequest(req)
	require.NoError(t, err)
	_, err = s.EnqueueRequest(req)
	assert.Error(t, err)

	assert.Equal(t, 1, s.Len())
}

func TestEnqueue_CopiesParameters(t *testing.T) {
	s, _ := createTestStore(t)
	params := achievement("first_win")
	e, err := s.Enqueue(ir.ServicePost, "/me/achievements.json", params)
	require.NoError(t, err)

	params["achievement_id"] = ir.String("changed")
	assert.Equal(t, ir.String("first_win"), e.Request().Parameters["achievement_id"])
}

func TestRemove_ByIdentity(t *testing.T) {
	s, clk := createTestStore(t)
	a, _ := s.Enqueue(ir.ServicePost, "/a", nil)
	b, _ := s.Enqueue(ir.ServicePost, "/b", nil)
	c, _ := s.Enqueue(ir.ServicePost, "/c", nil)

	assert.True(t, s.Remove(b))
	assert.False(t, b.Pending())
	assert.True(t, a.Pending())
	assert.False(t, s.Remove(b), "second remove is a no-op")

	s2 := reopen(t, s, clk)
	ids := []string{}
	for _, e := range s2.Entries() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{a.ID(), c.ID()}, ids)
}

func TestMarkRetry_GrowsDelay(t *testing.T) {
	s, _ := createTestStore(t)
	e, err := s.Enqueue(ir.ServicePost, "/me/scores.json", nil)
	require.NoError(t, err)

	prev := 0.0
	for k := 1; k <= 8; k++ {
		delay, ok := s.MarkRetry(e)
		require.True(t, ok)
		assert.Greater(t, delay, prev, "delay strictly increases")
		assert.GreaterOrEqual(t, delay, math.Pow(2, float64(k-1)), "bounded below by 2^(k-1) after k retries")
		assert.Equal(t, k, e.Retries())
		prev = delay
	}
}

func TestMarkRetry_WithJitter(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	opts := append(testOptions(clk, &seqIDs{}), WithRandom(fixedRandom(0.5)))
	s, err := Open(t.TempDir()+"/pending.db", opts...)
	require.NoError(t, err)
	defer s.Close()

	e, _ := s.Enqueue(ir.ServicePost, "/x", nil)
	d1, _ := s.MarkRetry(e)
	d2, _ := s.MarkRetry(e)
	assert.Equal(t, 2.5, d1)
	assert.Equal(t, 6.5, d2)
}

func TestMarkRetry_RemovedEntry(t *testing.T) {
	s, _ := createTestStore(t)
	e, _ := s.Enqueue(ir.ServicePost, "/x", nil)
	s.Remove(e)

	_, ok := s.MarkRetry(e)
	assert.False(t, ok)
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		prev, jitter, want float64
	}{
		{0, 0, 1},
		{0, 2.9, 3.9},
		{0.25, 0, 1},
		{1, 0, 2},
		{3.5, 1, 8},
		{100, 0, 200},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NextDelay(tt.prev, tt.jitter), 1e-9, "prev=%v jitter=%v", tt.prev, tt.jitter)
	}
}

func TestMarkInstallMetricSent_Once(t *testing.T) {
	s, clk := createTestStore(t)
	s.MarkInstallMetricSent()
	s.MarkInstallMetricSent()
	assert.True(t, s.InstallMetricSent())

	s2 := reopen(t, s, clk)
	assert.True(t, s2.InstallMetricSent())
}

func TestFlushFailureIsNotFatal(t *testing.T) {
	var flushErrs []error
	clk := clock.NewManual(testEpoch)
	opts := append(testOptions(clk, &seqIDs{}), WithFlushErrorHandler(func(err error) {
		flushErrs = append(flushErrs, err)
	}))
	s, err := Open(t.TempDir()+"/pending.db", opts...)
	require.NoError(t, err)

	// Break the backing connection underneath the store.
	require.NoError(t, s.db.Close())

	e, err := s.Enqueue(ir.ServicePost, "/me/scores.json", nil)
	require.NoError(t, err, "in-memory store proceeds")
	assert.True(t, e.Pending())
	assert.Equal(t, 1, s.Len())
	assert.Len(t, flushErrs, 1)
	assert.Error(t, s.Flush())

	s.db = nil
	closeErr := s.Close()
	assert.Error(t, closeErr)
	assert.False(t, errors.Is(closeErr, ErrClosed))
}

func TestConcurrentMutationsKeepConsistentSnapshot(t *testing.T) {
	s, clk := createTestStore(t)

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	var kept []string
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e, err := s.Enqueue(ir.ServiceMetrics, "/session.json", ir.Object{"w": ir.Int(int64(w))})
				if err != nil {
					t.Error(err)
					return
				}
				if i%2 == 0 {
					s.Remove(e)
					continue
				}
				s.MarkRetry(e)
				mu.Lock()
				kept = append(kept, e.ID())
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	s2 := reopen(t, s, clk)
	var reloaded []string
	for _, e := range s2.Entries() {
		reloaded = append(reloaded, e.ID())
		assert.Equal(t, 1, e.Retries())
	}
	assert.ElementsMatch(t, kept, reloaded)
}
