package store

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/ir"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedRandom always returns the same value.
type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

// seqIDs hands out req-1, req-2, ...
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("req-%d", g.n)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(clk clock.Clock, ids ir.IDGenerator) []Option {
	return []Option{
		WithClock(clk),
		WithIDGenerator(ids),
		WithRandom(fixedRandom(0)),
		WithLogger(quietLogger()),
	}
}

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	path := filepath.Join(t.TempDir(), "pending.db")
	s, err := Open(path, testOptions(clk, &seqIDs{})...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// reopen closes s and opens its file again with the same clock.
func reopen(t *testing.T, s *Store, clk clock.Clock, opts ...Option) *Store {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	all := append(testOptions(clk, &seqIDs{n: 100000}), opts...)
	s2, err := Open(s.Path(), all...)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { s2.Close() })
	return s2
}

func achievement(id string) ir.Object {
	return ir.Object{"achievement_id": ir.String(id)}
}
