// Package scheduler orders admitted execution jobs: highest priority first,
// first-come first-served within a priority.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmxmxh/swarmjit/internal/core"
)

type entry struct {
	job   core.ExecutionJob
	seq   uint64
	index int
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a concurrency-safe priority queue of jobs. Jobs are keyed by
// id; two jobs with identical fields are still two entries.
type Scheduler struct {
	mu     sync.Mutex
	heap   jobHeap
	byID   map[string]*entry
	seq    uint64
	now    func() time.Time
	notify chan struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		byID:   make(map[string]*entry),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
}

// AddJob enqueues a job and returns its id. A missing id is assigned.
// SubmittedAt is always set to the admission time; equal priorities run in
// admission order. Re-adding a queued id replaces that entry.
func (s *Scheduler) AddJob(job core.ExecutionJob) string {
	s.mu.Lock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.SubmittedAt = s.now()
	if old, ok := s.byID[job.ID]; ok {
		heap.Remove(&s.heap, old.index)
	}
	s.seq++
	e := &entry{job: job, seq: s.seq}
	heap.Push(&s.heap, e)
	s.byID[job.ID] = e
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return job.ID
}

// GetNext removes and returns the highest-priority job. ok is false when the
// queue is empty.
func (s *Scheduler) GetNext() (core.ExecutionJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return core.ExecutionJob{}, false
	}
	e := heap.Pop(&s.heap).(*entry)
	delete(s.byID, e.job.ID)
	return e.job, true
}

// Remove drops a queued job by id.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byID, id)
	return true
}

// Len returns the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Notify returns a channel that receives after jobs are added. Signals
// coalesce; drain with GetNext until it reports empty.
func (s *Scheduler) Notify() <-chan struct{} {
	return s.notify
}
