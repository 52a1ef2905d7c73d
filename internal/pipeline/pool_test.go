package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// gaugeRunner records how many Drive calls overlap.
type gaugeRunner struct {
	mu      sync.Mutex
	seen    map[uuid.UUID]int
	current atomic.Int32
	peak    atomic.Int32
	fail    uuid.UUID
}

func (g *gaugeRunner) Drive(_ context.Context, runID uuid.UUID) (*types.Run, error) {
	n := g.current.Add(1)
	defer g.current.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.seen[runID]++
	g.mu.Unlock()
	if runID == g.fail {
		return nil, errors.New("render farm offline")
	}
	return &types.Run{ID: runID}, nil
}

func seedRuns(t *testing.T, mem *memory.Store, statuses ...types.RunStatus) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	require.NoError(t, mem.InTx(context.Background(), func(tx store.Tx) error {
		for i, st := range statuses {
			run := &types.Run{ID: uuid.New(), Status: st, RegistryVersion: 1, CreatedAt: fixedNow.Add(time.Duration(i) * time.Second)}
			if err := tx.CreateRun(context.Background(), run); err != nil {
				return err
			}
			ids = append(ids, run.ID)
		}
		return nil
	}))
	return ids
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(nil, memory.New(), PoolConfig{}, nil)
	assert.Error(t, err)
	_, err = NewPool(&gaugeRunner{}, nil, PoolConfig{}, nil)
	assert.Error(t, err)

	p, err := NewPool(&gaugeRunner{}, memory.New(), PoolConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.cfg.Concurrency)
	assert.Equal(t, 2*time.Second, p.cfg.PollInterval)
}

func TestPool_RunOnceDrivesActiveRunsWithinLimit(t *testing.T) {
	mem := memory.New()
	ids := seedRuns(t, mem,
		types.RunStatusActive, types.RunStatusActive, types.RunStatusActive,
		types.RunStatusActive, types.RunStatusActive, types.RunStatusBlocked, types.RunStatusCompleted,
	)
	runner := &gaugeRunner{seen: map[uuid.UUID]int{}, fail: ids[1]}
	p, err := NewPool(runner, mem, PoolConfig{Concurrency: 2}, nil)
	require.NoError(t, err)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err, "a failing run does not fail the cycle")
	assert.Equal(t, 5, n)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	for _, id := range ids[:5] {
		assert.Equal(t, 1, runner.seen[id])
	}
	assert.Zero(t, runner.seen[ids[5]], "blocked runs wait for a human")
	assert.Zero(t, runner.seen[ids[6]])
}

func TestPool_BatchSize(t *testing.T) {
	mem := memory.New()
	seedRuns(t, mem, types.RunStatusActive, types.RunStatusActive, types.RunStatusActive)
	runner := &gaugeRunner{seen: map[uuid.UUID]int{}}
	p, err := NewPool(runner, mem, PoolConfig{Concurrency: 4, BatchSize: 2}, nil)
	require.NoError(t, err)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	mem := memory.New()
	seedRuns(t, mem, types.RunStatusActive)
	runner := &gaugeRunner{seen: map[uuid.UUID]int{}}
	p, err := NewPool(runner, mem, PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		for _, n := range runner.seen {
			if n >= 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_DrivesRealRunsToCompletion(t *testing.T) {
	f := newFixture(t, &recorder{})
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t).ID)
	}

	p, err := NewPool(f.driver, f.mem, PoolConfig{Concurrency: 3}, nil)
	require.NoError(t, err)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range ids {
		run, err := f.approvals.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCompleted, run.Status)
	}
}
