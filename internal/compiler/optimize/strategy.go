// Package optimize holds the pluggable optimization strategies the compiler
// runs over the IR before emitting bytes.
package optimize

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/compiler/ir"
	"github.com/nmxmxh/swarmjit/internal/core"
)

// DefaultIterations caps the search when Env.Iterations is unset.
const DefaultIterations = 32

// Fitness is what the search compares candidates by.
type Fitness struct {
	Exports int
	Bytes   int
}

// Better reports whether f strictly beats o: more exports first, then fewer
// emitted bytes.
func (f Fitness) Better(o Fitness) bool {
	if f.Exports != o.Exports {
		return f.Exports > o.Exports
	}
	return f.Bytes < o.Bytes
}

// Env is what a strategy may use besides the module itself.
type Env struct {
	// Seed makes randomized strategies deterministic per compile key.
	Seed int64
	// Measure emits and validates a candidate. An error means the candidate
	// is unusable.
	Measure    func(*ir.Module) (Fitness, error)
	Iterations int
	Logger     *zap.Logger
}

// Strategy transforms a module. The input is never modified.
type Strategy interface {
	Name() string
	Optimize(ctx context.Context, m *ir.Module, env Env) (*ir.Module, error)
}

// ForLevel returns the strategy for an optimization level.
func ForLevel(level int) (Strategy, error) {
	switch level {
	case core.OptNone:
		return None{}, nil
	case core.OptBaseline:
		return Baseline{}, nil
	case core.OptSearch:
		return Search{}, nil
	default:
		return nil, fmt.Errorf("optimize: unknown level %d", level)
	}
}

// SeedFromDigest derives a search seed from a compile key.
func SeedFromDigest(d core.Digest) int64 {
	var s int64
	for _, b := range d[:8] {
		s = s<<8 | int64(b)
	}
	return s
}

// None returns the module unchanged.
type None struct{}

func (None) Name() string { return "none" }

func (None) Optimize(_ context.Context, m *ir.Module, _ Env) (*ir.Module, error) {
	return m.Clone(), nil
}

// Baseline runs the fixed pass pipeline to a fixpoint.
type Baseline struct{}

func (Baseline) Name() string { return "baseline" }

func (Baseline) Optimize(ctx context.Context, m *ir.Module, _ Env) (*ir.Module, error) {
	out := m.Clone()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := ir.Print(out)
		for _, p := range baseline {
			runToFixpoint(out, p)
		}
		// Inlining can expose folds and dead functions; repeat until stable.
		if ir.Print(out) == before {
			return out, nil
		}
	}
}

// Search starts from the baseline result and tries random single-site
// rewrites, keeping one only when it still emits and measures strictly
// better. With no Measure it degrades to Baseline.
type Search struct{}

func (Search) Name() string { return "search" }

func (Search) Optimize(ctx context.Context, m *ir.Module, env Env) (*ir.Module, error) {
	best, err := Baseline{}.Optimize(ctx, m, env)
	if err != nil {
		return nil, err
	}
	if env.Measure == nil {
		return best, nil
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bestFit, err := env.Measure(best)
	if err != nil {
		// The baseline candidate itself does not emit; nothing to improve on.
		return best, nil
	}

	iterations := env.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	rng := rand.New(rand.NewSource(env.Seed))
	kept := 0
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := searchMoves[rng.Intn(len(searchMoves))]
		n := p.sites(best)
		if n == 0 {
			continue
		}
		candidate := best.Clone()
		if !p.apply(candidate, rng.Intn(n)) {
			continue
		}
		fit, err := env.Measure(candidate)
		if err != nil || !fit.Better(bestFit) {
			continue
		}
		best, bestFit = candidate, fit
		kept++
	}
	logger.Debug("search finished",
		zap.Int("iterations", iterations),
		zap.Int("kept", kept),
		zap.Int("bytes", bestFit.Bytes))
	return best, nil
}
