// Package arena accounts linear-memory reservations of running modules
// against one global byte budget.
package arena

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/swarmjit/internal/core"
)

// Allocation is a handle to one reservation. The accounting itself stays in
// the Pool; callers read it through Pool.Snapshot.
type Allocation struct {
	id       uint64
	moduleID string
}

// ModuleID returns the owner the allocation was made for.
func (a *Allocation) ModuleID() string {
	return a.moduleID
}

// MemoryAllocation is a point-in-time copy of an allocation's accounting.
type MemoryAllocation struct {
	ModuleID      string
	CapacityBytes uint64
	CurrentBytes  uint64
}

type record struct {
	handle   *Allocation
	capacity uint64
	current  uint64
}

// Stats are cumulative pool counters.
type Stats struct {
	Budget     uint64
	Used       uint64
	Live       int
	AllocCount uint64
	FreeCount  uint64
	Rejected   uint64
	HighWater  uint64
}

// Pool enforces that the sum of current bytes over all live allocations never
// exceeds the budget. Every mutation is a single critical section.
type Pool struct {
	mu      sync.Mutex
	budget  uint64
	used    uint64
	nextID  uint64
	records map[uint64]*record
	owners  map[string]uint64

	allocCount uint64
	freeCount  uint64
	rejected   uint64
	highWater  uint64
}

// NewPool creates a pool. A zero budget is a configuration error and the only
// failure in the execution core that should stop the process.
func NewPool(budget uint64) (*Pool, error) {
	if budget == 0 {
		return nil, core.ConfigError("memory budget must be positive")
	}
	return &Pool{
		budget:  budget,
		records: make(map[uint64]*record),
		owners:  make(map[string]uint64),
	}, nil
}

// Allocate reserves bytes for moduleID. It fails with a MEMORY_ERROR when the
// reservation would exceed the budget, leaving the pool unchanged. A module
// may hold at most one allocation at a time.
func (p *Pool) Allocate(moduleID string, bytes uint64) (*Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.owners[moduleID]; exists {
		return nil, fmt.Errorf("arena: module %q already holds an allocation", moduleID)
	}
	if bytes > p.budget-p.used {
		p.rejected++
		return nil, core.MemoryError(bytes, p.budget-p.used).WithContext("module_id", moduleID)
	}

	p.nextID++
	a := &Allocation{id: p.nextID, moduleID: moduleID}
	p.records[a.id] = &record{handle: a, capacity: bytes, current: bytes}
	p.owners[moduleID] = a.id
	p.used += bytes
	p.allocCount++
	if p.used > p.highWater {
		p.highWater = p.used
	}
	return a, nil
}

// Resize changes the current size of an allocation, reserving or releasing
// the difference atomically. Growth past the budget fails with MEMORY_ERROR
// and leaves the allocation as it was.
func (p *Pool) Resize(a *Allocation, bytes uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.lookup(a)
	if !ok {
		return fmt.Errorf("arena: unknown allocation")
	}
	if bytes > r.current {
		grow := bytes - r.current
		if grow > p.budget-p.used {
			p.rejected++
			return core.MemoryError(grow, p.budget-p.used).WithContext("module_id", a.moduleID)
		}
		p.used += grow
	} else {
		p.used -= r.current - bytes
	}
	r.current = bytes
	if bytes > r.capacity {
		r.capacity = bytes
	}
	if p.used > p.highWater {
		p.highWater = p.used
	}
	return nil
}

// Free releases an allocation. Freeing twice, or freeing nil, is a no-op.
func (p *Pool) Free(a *Allocation) {
	if a == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.lookup(a)
	if !ok {
		return
	}
	p.used -= r.current
	delete(p.records, a.id)
	delete(p.owners, a.moduleID)
	p.freeCount++
}

// Snapshot copies the accounting for a. ok is false once a has been freed.
func (p *Pool) Snapshot(a *Allocation) (MemoryAllocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.lookup(a)
	if !ok {
		return MemoryAllocation{}, false
	}
	return MemoryAllocation{ModuleID: a.moduleID, CapacityBytes: r.capacity, CurrentBytes: r.current}, true
}

// Allocations copies every live allocation.
func (p *Pool) Allocations() []MemoryAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]MemoryAllocation, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, MemoryAllocation{ModuleID: r.handle.moduleID, CapacityBytes: r.capacity, CurrentBytes: r.current})
	}
	return out
}

// Used returns the bytes currently reserved.
func (p *Pool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Available returns the bytes that can still be reserved.
func (p *Pool) Available() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget - p.used
}

// Budget returns the configured budget.
func (p *Pool) Budget() uint64 {
	return p.budget
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Budget:     p.budget,
		Used:       p.used,
		Live:       len(p.records),
		AllocCount: p.allocCount,
		FreeCount:  p.freeCount,
		Rejected:   p.rejected,
		HighWater:  p.highWater,
	}
}

// lookup requires p.mu. It rejects handles from another pool or stale ids.
func (p *Pool) lookup(a *Allocation) (*record, bool) {
	if a == nil {
		return nil, false
	}
	r, ok := p.records[a.id]
	if !ok || r.handle != a {
		return nil, false
	}
	return r, true
}
