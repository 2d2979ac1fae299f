package arena

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/swarmjit/internal/core"
)

func TestNewPool_ZeroBudgetIsConfigError(t *testing.T) {
	_, err := NewPool(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfig))
}

func TestPool_AllocateAndFree(t *testing.T) {
	p, err := NewPool(1024)
	require.NoError(t, err)

	a, err := p.Allocate("mod-a", 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), p.Used())
	assert.Equal(t, uint64(424), p.Available())

	snap, ok := p.Snapshot(a)
	require.True(t, ok)
	assert.Equal(t, MemoryAllocation{ModuleID: "mod-a", CapacityBytes: 600, CurrentBytes: 600}, snap)

	// Over budget: rejected, accounting untouched.
	_, err = p.Allocate("mod-b", 500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMemory))
	assert.Equal(t, uint64(600), p.Used())

	p.Free(a)
	assert.Equal(t, uint64(0), p.Used())
	_, ok = p.Snapshot(a)
	assert.False(t, ok)

	// Double free is harmless.
	p.Free(a)
	p.Free(nil)
	assert.Equal(t, uint64(0), p.Used())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.AllocCount)
	assert.Equal(t, uint64(1), stats.FreeCount)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(600), stats.HighWater)
}

func TestPool_OneAllocationPerModule(t *testing.T) {
	p, err := NewPool(1024)
	require.NoError(t, err)

	a, err := p.Allocate("mod", 10)
	require.NoError(t, err)
	_, err = p.Allocate("mod", 10)
	assert.Error(t, err)

	p.Free(a)
	_, err = p.Allocate("mod", 10)
	assert.NoError(t, err)
}

func TestPool_Resize(t *testing.T) {
	p, err := NewPool(1000)
	require.NoError(t, err)

	a, err := p.Allocate("mod", 100)
	require.NoError(t, err)

	require.NoError(t, p.Resize(a, 400))
	assert.Equal(t, uint64(400), p.Used())

	err = p.Resize(a, 1200)
	assert.True(t, errors.Is(err, core.ErrMemory))
	assert.Equal(t, uint64(400), p.Used(), "failed growth leaves accounting unchanged")

	require.NoError(t, p.Resize(a, 50))
	snap, _ := p.Snapshot(a)
	assert.Equal(t, uint64(50), snap.CurrentBytes)
	assert.Equal(t, uint64(400), snap.CapacityBytes)
	assert.Equal(t, uint64(50), p.Used())
}

func TestPool_ForeignHandleIgnored(t *testing.T) {
	p1, _ := NewPool(100)
	p2, _ := NewPool(100)

	a, err := p1.Allocate("mod", 10)
	require.NoError(t, err)
	_, err = p2.Allocate("mod", 20)
	require.NoError(t, err)

	p2.Free(a)
	assert.Equal(t, uint64(20), p2.Used())
}

// Randomized interleavings of allocate/resize/free from many goroutines. A
// sampler checks the budget invariant while the workers run.
func TestPool_BudgetNeverExceededUnderConcurrency(t *testing.T) {
	const budget = 64 * 1024
	p, err := NewPool(budget)
	require.NoError(t, err)

	var stop atomic.Bool
	var violations atomic.Int64

	sampler := make(chan struct{})
	go func() {
		defer close(sampler)
		for !stop.Load() {
			var sum uint64
			for _, a := range p.Allocations() {
				sum += a.CurrentBytes
			}
			if sum > budget || p.Used() > budget {
				violations.Add(1)
			}
		}
	}()

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var held []*Allocation
			for i := 0; i < 2000; i++ {
				switch op := rng.Intn(3); {
				case op == 0 || len(held) == 0:
					a, err := p.Allocate(fmt.Sprintf("w%d-%d", w, i), uint64(rng.Intn(8*1024)+1))
					if err == nil {
						held = append(held, a)
					} else if !errors.Is(err, core.ErrMemory) {
						return err
					}
				case op == 1:
					a := held[rng.Intn(len(held))]
					if err := p.Resize(a, uint64(rng.Intn(8*1024)+1)); err != nil && !errors.Is(err, core.ErrMemory) {
						return err
					}
				default:
					idx := rng.Intn(len(held))
					p.Free(held[idx])
					held = append(held[:idx], held[idx+1:]...)
				}
			}
			for _, a := range held {
				p.Free(a)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	stop.Store(true)
	<-sampler

	assert.Zero(t, violations.Load())
	assert.Equal(t, uint64(0), p.Used())
	assert.LessOrEqual(t, p.Stats().HighWater, uint64(budget))
}
