package scheduler

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/swarmjit/internal/core"
)

func TestGetNext_Empty(t *testing.T) {
	_, ok := New().GetNext()
	assert.False(t, ok)
}

func TestGetNext_PriorityThenFIFO(t *testing.T) {
	s := New()
	base := time.Unix(100, 0)
	s.AddJob(core.ExecutionJob{ID: "low", Priority: 1, SubmittedAt: base})
	s.AddJob(core.ExecutionJob{ID: "high-late", Priority: 5, SubmittedAt: base.Add(2 * time.Second)})
	s.AddJob(core.ExecutionJob{ID: "high-early", Priority: 5, SubmittedAt: base.Add(time.Second)})
	s.AddJob(core.ExecutionJob{ID: "mid", Priority: 3, SubmittedAt: base})

	var order []string
	for {
		j, ok := s.GetNext()
		if !ok {
			break
		}
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{"high-late", "high-early", "mid", "low"}, order)
}

// A caller-chosen SubmittedAt cannot jump ahead of jobs admitted earlier.
func TestAddJob_BackdatedJobKeepsAdmissionOrder(t *testing.T) {
	s := New()
	s.AddJob(core.ExecutionJob{ID: "first", Priority: 1})
	s.AddJob(core.ExecutionJob{ID: "backdated", Priority: 1, SubmittedAt: time.Unix(1, 0)})

	j, ok := s.GetNext()
	require.True(t, ok)
	assert.Equal(t, "first", j.ID)
	j, ok = s.GetNext()
	require.True(t, ok)
	assert.Equal(t, "backdated", j.ID)
	assert.NotEqual(t, time.Unix(1, 0), j.SubmittedAt)
}

func TestAddJob_IdenticalJobsAreDistinct(t *testing.T) {
	s := New()
	at := time.Unix(5, 0)
	job := core.ExecutionJob{Priority: 2, SubmittedAt: at, Input: []int64{1}}
	a := s.AddJob(job)
	b := s.AddJob(job)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, s.Len())

	// Equal priority: submission order breaks the tie.
	first, _ := s.GetNext()
	second, _ := s.GetNext()
	assert.Equal(t, a, first.ID)
	assert.Equal(t, b, second.ID)
}

func TestAddJob_StampsSubmittedAt(t *testing.T) {
	s := New()
	s.now = func() time.Time { return time.Unix(42, 0) }
	s.AddJob(core.ExecutionJob{ID: "x"})
	s.AddJob(core.ExecutionJob{ID: "y", SubmittedAt: time.Unix(7, 0)})
	j, ok := s.GetNext()
	require.True(t, ok)
	assert.Equal(t, time.Unix(42, 0), j.SubmittedAt)
	j, ok = s.GetNext()
	require.True(t, ok)
	assert.Equal(t, time.Unix(42, 0), j.SubmittedAt)
}

func TestRemove(t *testing.T) {
	s := New()
	s.AddJob(core.ExecutionJob{ID: "a", Priority: 1})
	s.AddJob(core.ExecutionJob{ID: "b", Priority: 2})
	assert.True(t, s.Remove("b"))
	assert.False(t, s.Remove("b"))
	j, _ := s.GetNext()
	assert.Equal(t, "a", j.ID)
}

func TestNotify_Coalesces(t *testing.T) {
	s := New()
	s.AddJob(core.ExecutionJob{})
	s.AddJob(core.ExecutionJob{})
	select {
	case <-s.Notify():
	default:
		t.Fatal("expected a notification")
	}
	select {
	case <-s.Notify():
		t.Fatal("signals should coalesce")
	default:
	}
}

// Random priorities under a fixed clock: output must equal a stable sort by
// priority descending.
func TestGetNext_MatchesStableSort(t *testing.T) {
	s := New()
	at := time.Unix(1, 0)
	rng := rand.New(rand.NewSource(7))

	type rec struct {
		id       string
		priority int
	}
	var want []rec
	for i := 0; i < 500; i++ {
		p := rng.Intn(5)
		id := s.AddJob(core.ExecutionJob{Priority: p, SubmittedAt: at})
		want = append(want, rec{id, p})
	}
	sort.SliceStable(want, func(i, j int) bool { return want[i].priority > want[j].priority })

	for _, w := range want {
		j, ok := s.GetNext()
		require.True(t, ok)
		assert.Equal(t, w.id, j.ID)
	}
}
