// Package reclaim decides which warm execution instances are worth keeping.
//
// Each instance is scored after every run:
//
//	fitness = base(size, age) - errorPenalty(errors) + stabilityBonus(streak)
//
// where base falls off with the product of memory size and idle time. Anything
// that scores below the threshold is evicted and its memory returned to the
// pool.
package reclaim

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/arena"
	"github.com/nmxmxh/swarmjit/internal/core"
)

// Defaults.
const (
	DefaultThreshold    = 0.7
	DefaultBaseScale    = 1.0
	DefaultErrorWeight  = 0.2
	DefaultStreakWeight = 0.05
	DefaultStreakCap    = 10
	DefaultMaxFitness   = 2.0
)

// Stats is the per-instance history fitness is computed from.
type Stats struct {
	SizeBytes     uint64
	LastUsedAt    time.Time
	ErrorCount    int
	SuccessStreak int
	Runs          int
	TimedOut      bool
}

// Record folds one execution outcome into the stats.
func (s *Stats) Record(kind core.OutcomeKind, at time.Time) {
	s.Runs++
	s.LastUsedAt = at
	switch kind {
	case core.OutcomeSuccess:
		s.SuccessStreak++
	case core.OutcomeTimeout:
		s.TimedOut = true
		s.ErrorCount++
		s.SuccessStreak = 0
	default:
		s.ErrorCount++
		s.SuccessStreak = 0
	}
}

// LiveInstance is an execution instance tracked by the policy. Warm holds
// whatever runtime state the executor reuses across runs of the same artifact.
type LiveInstance struct {
	ID           string
	ArtifactHash core.Digest
	Allocation   *arena.Allocation
	Stats        Stats
	Fitness      float64
	Warm         interface{}
}

// Decision is the result of Analyze.
type Decision struct {
	Fitness float64
	Evicted bool
}

// Config tunes the fitness function. Zero values take defaults.
type Config struct {
	Threshold    float64
	BaseScale    float64
	ErrorWeight  float64
	StreakWeight float64
	StreakCap    int
	MaxFitness   float64
	Now          func() time.Time
	Logger       *zap.Logger
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.BaseScale <= 0 {
		c.BaseScale = DefaultBaseScale
	}
	if c.ErrorWeight <= 0 {
		c.ErrorWeight = DefaultErrorWeight
	}
	if c.StreakWeight <= 0 {
		c.StreakWeight = DefaultStreakWeight
	}
	if c.StreakCap <= 0 {
		c.StreakCap = DefaultStreakCap
	}
	if c.MaxFitness <= 0 {
		c.MaxFitness = DefaultMaxFitness
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Policy owns the warm set. An instance is either in the warm set or held by
// exactly one executor run; Acquire and Analyze move it between the two.
type Policy struct {
	cfg    Config
	pool   *arena.Pool
	logger *zap.Logger

	mu        sync.Mutex
	warm      map[core.Digest]*LiveInstance
	evictions uint64
}

// NewPolicy creates a policy that returns evicted memory to pool.
func NewPolicy(pool *arena.Pool, cfg Config) *Policy {
	cfg.defaults()
	return &Policy{
		cfg:    cfg,
		pool:   pool,
		logger: cfg.Logger.Named("reclaim"),
		warm:   make(map[core.Digest]*LiveInstance),
	}
}

// Threshold returns the eviction threshold.
func (p *Policy) Threshold() float64 {
	return p.cfg.Threshold
}

// Fitness scores s at time now, clamped to [0, MaxFitness].
func (p *Policy) Fitness(s Stats, now time.Time) float64 {
	sizeMiB := float64(s.SizeBytes) / (1 << 20)
	age := now.Sub(s.LastUsedAt).Seconds()
	if age < 0 {
		age = 0
	}
	base := p.cfg.BaseScale / (1 + sizeMiB*age)
	penalty := p.cfg.ErrorWeight * float64(s.ErrorCount)
	bonus := p.cfg.StreakWeight * float64(min(s.SuccessStreak, p.cfg.StreakCap))
	return math.Max(0, math.Min(p.cfg.MaxFitness, base-penalty+bonus))
}

// Track puts an instance into the warm set without scoring it.
func (p *Policy) Track(inst *LiveInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insertLocked(inst)
}

// Acquire takes the warm instance for hash out of the warm set. The caller
// owns it until it is handed back through Analyze.
func (p *Policy) Acquire(hash core.Digest) (*LiveInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.warm[hash]
	if ok {
		delete(p.warm, hash)
	}
	return inst, ok
}

// Get peeks at the warm instance for hash.
func (p *Policy) Get(hash core.Digest) (*LiveInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.warm[hash]
	return inst, ok
}

// Analyze scores an instance that just finished a run. Instances that timed
// out or score below the threshold are evicted; the rest go back into the
// warm set.
func (p *Policy) Analyze(inst *LiveInstance) Decision {
	fitness := p.Fitness(inst.Stats, p.cfg.Now())
	inst.Fitness = fitness

	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.Stats.TimedOut || fitness < p.cfg.Threshold {
		p.evictLocked(inst, "analyze")
		return Decision{Fitness: fitness, Evicted: true}
	}
	p.insertLocked(inst)
	return Decision{Fitness: fitness}
}

// Evict removes the warm instance for hash, if any.
func (p *Policy) Evict(hash core.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.warm[hash]
	if !ok {
		return false
	}
	delete(p.warm, hash)
	p.evictLocked(inst, "explicit")
	return true
}

// Sweep rescores every warm instance at now and evicts those below the
// threshold. It returns the number evicted.
func (p *Policy) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for hash, inst := range p.warm {
		inst.Fitness = p.Fitness(inst.Stats, now)
		if inst.Fitness < p.cfg.Threshold {
			delete(p.warm, hash)
			p.evictLocked(inst, "sweep")
			n++
		}
	}
	return n
}

// Close evicts everything.
func (p *Policy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, inst := range p.warm {
		delete(p.warm, hash)
		p.evictLocked(inst, "shutdown")
	}
}

// Len returns the number of warm instances.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Evictions returns the cumulative eviction count.
func (p *Policy) Evictions() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictions
}

// insertLocked keeps the fitter instance when one for the same artifact is
// already warm.
func (p *Policy) insertLocked(inst *LiveInstance) {
	if existing, ok := p.warm[inst.ArtifactHash]; ok && existing != inst {
		if existing.Fitness >= inst.Fitness {
			p.evictLocked(inst, "duplicate")
			return
		}
		p.evictLocked(existing, "duplicate")
	}
	p.warm[inst.ArtifactHash] = inst
}

func (p *Policy) evictLocked(inst *LiveInstance, reason string) {
	if p.pool != nil {
		p.pool.Free(inst.Allocation)
	}
	inst.Allocation = nil
	inst.Warm = nil
	p.evictions++
	p.logger.Debug("evicted instance",
		zap.String("instance_id", inst.ID),
		zap.String("hash", inst.ArtifactHash.Short()),
		zap.Float64("fitness", inst.Fitness),
		zap.String("reason", reason))
}
