package wasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/arena"
	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/reclaim"
)

// Executor defaults.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultEntry       = "main"
	DefaultMemoryBytes = 1 << 20
	DefaultMaxStalled  = 2
	memoryExport       = "memory"
)

// States of an in-process guest call.
const (
	guestRunning int32 = iota
	guestReturned
	guestAbandoned
)

// Config configures an Executor. Pool and Policy are required.
type Config struct {
	Pool   *arena.Pool
	Policy *reclaim.Policy
	// Host serves privileged calls of in-process guests. Sandboxed guests
	// use a LocalHost built from the sandbox settings.
	Host               HostBindings
	Timeout            time.Duration
	Entry              string
	DefaultMemoryBytes uint64
	// Sandbox runs each job in a killable child process. When nil, guests
	// run on a goroutine, and one that stops making host calls cannot be
	// stopped at the deadline; it is abandoned with its reservation held.
	Sandbox *ProcessSandbox
	// MaxStalled caps abandoned in-process guests. Runs are refused while
	// the cap is reached.
	MaxStalled int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Stats are cumulative executor counters.
type Stats struct {
	Runs          uint64
	Successes     uint64
	Failures      uint64
	Timeouts      uint64
	MemoryDenied  uint64
	WarmHits      uint64
	Abandoned     uint64
	CompiledFresh uint64
	// Stalled is the number of abandoned guests still running.
	Stalled int64
}

// warmModule is the runtime state kept on a LiveInstance between runs.
type warmModule struct {
	store  *wasmer.Store
	module *wasmer.Module
	info   core.ModuleInfo

	once       sync.Once
	serialized []byte
	serialErr  error
}

// serialize returns the compiled module in the form a sandbox process loads.
func (w *warmModule) serialize() ([]byte, error) {
	w.once.Do(func() {
		w.serialized, w.serialErr = w.module.Serialize()
	})
	return w.serialized, w.serialErr
}

// Executor runs artifacts inside a capability-restricted sandbox with a
// memory reservation and a wall-clock limit per run.
type Executor struct {
	engine *wasmer.Engine
	cfg    Config
	logger *zap.Logger
	nextID atomic.Uint64

	runs, successes, failures, timeouts atomic.Uint64
	memoryDenied, warmHits, abandoned   atomic.Uint64
	compiledFresh                       atomic.Uint64
	stalled                             atomic.Int64
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Pool == nil || cfg.Policy == nil {
		return nil, core.ConfigError("executor: pool and policy are required")
	}
	if cfg.Host == nil {
		cfg.Host = NoHost{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Entry == "" {
		cfg.Entry = DefaultEntry
	}
	if cfg.DefaultMemoryBytes == 0 {
		cfg.DefaultMemoryBytes = DefaultMemoryBytes
	}
	if cfg.MaxStalled <= 0 {
		cfg.MaxStalled = DefaultMaxStalled
	}
	if cfg.Sandbox != nil && cfg.Sandbox.Path == "" {
		return nil, core.ConfigError("executor: sandbox path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		engine: wasmer.NewEngine(),
		cfg:    cfg,
		logger: cfg.Logger.Named("executor"),
	}, nil
}

// Run executes a scheduled job and stamps its id on the result.
func (e *Executor) Run(ctx context.Context, job core.ExecutionJob, art *core.Artifact) (core.ExecutionResult, error) {
	res, err := e.Execute(ctx, art, job.Input, job.Capabilities)
	res.JobID = job.ID
	return res, err
}

// Execute runs the artifact's entry point with input under the capabilities
// in caps. The only error return is a MEMORY_ERROR when the reservation is
// refused, in which case nothing was instantiated. Every other problem is
// reported in the result's outcome.
func (e *Executor) Execute(ctx context.Context, art *core.Artifact, input []int64, caps core.CapabilitySet) (core.ExecutionResult, error) {
	start := e.cfg.Now()
	e.runs.Add(1)
	logger := e.logger.With(zap.String("hash", art.Hash.Short()))

	inst, err := e.instanceFor(art)
	if err != nil {
		e.failures.Add(1)
		return e.result(start, core.Failure(Sanitize(err.Error())), nil, ""), nil
	}
	warm := inst.Warm.(*warmModule)
	capCtx := NewContext(caps)

	if denied := capCtx.Denied(warm.info.Imports); len(denied) > 0 {
		e.failures.Add(1)
		outcome := core.Failure(fmt.Sprintf("import %s is not permitted", strings.Join(denied, ", ")))
		e.finish(inst, outcome.Kind, logger)
		return e.result(start, outcome, nil, ""), nil
	}

	// Growth happens inside the guest where it cannot be accounted, so the
	// declared maximum is reserved up front.
	if warm.info.HasMemory && !warm.info.MemoryBounded {
		e.memoryDenied.Add(1)
		const reason = "memory must declare a maximum"
		return e.result(start, core.Failure(reason), nil, ""), core.NewError(core.ErrCodeMemory, reason)
	}
	memBytes := warm.info.MaxMemoryBytes
	if !warm.info.HasMemory || memBytes == 0 {
		memBytes = e.cfg.DefaultMemoryBytes
	}

	if e.cfg.Sandbox == nil && e.stalled.Load() >= int64(e.cfg.MaxStalled) {
		e.failures.Add(1)
		e.cfg.Policy.Track(inst)
		logger.Warn("run refused", zap.Int64("stalled", e.stalled.Load()))
		return e.result(start, core.Failure("too many stalled guests"), nil, ""), nil
	}

	alloc, err := e.cfg.Pool.Allocate(inst.ID, memBytes)
	if err != nil {
		e.memoryDenied.Add(1)
		// The instance never ran; it goes back as it was.
		e.cfg.Policy.Track(inst)
		logger.Warn("memory reservation refused", zap.Uint64("bytes", memBytes), zap.Error(err))
		return e.result(start, core.Failure("memory budget exceeded"), nil, ""), err
	}
	inst.Allocation = alloc
	inst.Stats.SizeBytes = memBytes

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var (
		outcome   core.Outcome
		output    []int64
		printed   string
		abandoned bool
	)
	if e.cfg.Sandbox != nil {
		outcome, output, printed = e.runIsolated(runCtx, warm, input, caps, logger)
	} else {
		rs := &runState{ctx: runCtx, caps: capCtx, host: e.cfg.Host, now: e.cfg.Now}
		outcome, output, abandoned = e.runInProcess(runCtx, warm, rs, input, alloc)
		printed = rs.output()
	}
	inst.Allocation = nil
	if !abandoned {
		// Released before Analyze: once the instance is back in the warm set
		// another run may take it.
		e.cfg.Pool.Free(alloc)
	}

	kind := outcome.Kind
	if abandoned {
		// The guest is still running; never hand this instance out again.
		e.abandoned.Add(1)
		kind = core.OutcomeTimeout
		logger.Warn("guest abandoned", zap.String("instance_id", inst.ID), zap.Int64("stalled", e.stalled.Load()))
	}
	switch outcome.Kind {
	case core.OutcomeSuccess:
		e.successes.Add(1)
	case core.OutcomeTimeout:
		e.timeouts.Add(1)
	default:
		e.failures.Add(1)
	}
	e.finish(inst, kind, logger)
	return e.result(start, outcome, output, printed), nil
}

// instanceFor takes the warm instance for the artifact or compiles a new one.
func (e *Executor) instanceFor(art *core.Artifact) (*reclaim.LiveInstance, error) {
	if inst, ok := e.cfg.Policy.Acquire(art.Hash); ok {
		if _, valid := inst.Warm.(*warmModule); valid {
			e.warmHits.Add(1)
			return inst, nil
		}
	}
	store := wasmer.NewStore(e.engine)
	module, err := wasmer.NewModule(store, art.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid module: %w", err)
	}
	info, err := moduleInfo(module, art.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid module: %w", err)
	}
	e.compiledFresh.Add(1)
	return &reclaim.LiveInstance{
		ID:           fmt.Sprintf("%s-%d", art.Hash.Short(), e.nextID.Add(1)),
		ArtifactHash: art.Hash,
		Warm:         &warmModule{store: store, module: module, info: info},
	}, nil
}

type callResult struct {
	value interface{}
	err   error
}

// bind instantiates module against rs and resolves the entry point. A
// non-nil outcome means there is nothing to call.
func bind(store *wasmer.Store, module *wasmer.Module, rs *runState, entryName string, input []int64) (func() callResult, *core.Outcome) {
	fail := func(reason string) (func() callResult, *core.Outcome) {
		o := core.Failure(reason)
		return nil, &o
	}
	instance, err := wasmer.NewInstance(module, importObject(store, rs))
	if err != nil {
		return fail("link: " + Sanitize(err.Error()))
	}
	if mem, err := instance.Exports.GetMemory(memoryExport); err == nil {
		rs.memory = mem
	}
	entry, err := instance.Exports.GetRawFunction(entryName)
	if err != nil {
		return fail(fmt.Sprintf("entry point %q is not exported", entryName))
	}
	args, err := convertArgs(entry.Type().Params(), input)
	if err != nil {
		return fail(err.Error())
	}
	return func() (r callResult) {
		defer func() {
			if p := recover(); p != nil {
				r = callResult{err: fmt.Errorf("guest panicked: %v", p)}
			}
		}()
		v, err := entry.Call(args...)
		return callResult{value: v, err: err}
	}, nil
}

// settle maps a returned call to its outcome.
func (rs *runState) settle(r callResult) (core.Outcome, []int64) {
	if r.err == nil {
		return core.Success(), convertResult(r.value)
	}
	if aborted, code := rs.abortState(); aborted {
		return core.Failure(fmt.Sprintf("aborted: code %d", code)), nil
	}
	if rs.ctx.Err() != nil {
		// A host call noticed the deadline and trapped the guest.
		return stopped(rs.ctx), nil
	}
	return core.Failure(Sanitize(r.err.Error())), nil
}

// runInProcess races the entry point against runCtx on a goroutine.
// abandoned is true when the guest was left running; alloc is then freed by
// that goroutine once the guest returns.
func (e *Executor) runInProcess(runCtx context.Context, warm *warmModule, rs *runState, input []int64, alloc *arena.Allocation) (core.Outcome, []int64, bool) {
	call, failed := bind(warm.store, warm.module, rs, e.cfg.Entry, input)
	if failed != nil {
		return *failed, nil, false
	}

	var state atomic.Int32
	done := make(chan callResult, 1)
	go func() {
		r := call()
		if !state.CompareAndSwap(guestRunning, guestReturned) {
			e.cfg.Pool.Free(alloc)
			e.stalled.Add(-1)
			return
		}
		done <- r
	}()

	select {
	case r := <-done:
		outcome, output := rs.settle(r)
		return outcome, output, false
	case <-runCtx.Done():
		e.stalled.Add(1)
		if state.CompareAndSwap(guestRunning, guestAbandoned) {
			return stopped(runCtx), nil, true
		}
		// Returned just as the deadline passed.
		e.stalled.Add(-1)
		outcome, output := rs.settle(<-done)
		return outcome, output, false
	}
}

// runIsolated hands the job to a sandbox process. The process is killed
// when runCtx ends.
func (e *Executor) runIsolated(runCtx context.Context, warm *warmModule, input []int64, caps core.CapabilitySet, logger *zap.Logger) (core.Outcome, []int64, string) {
	module, err := warm.serialize()
	if err != nil {
		logger.Error("serialize module", zap.Error(err))
		return core.Failure("module cannot be sandboxed"), nil, ""
	}
	var timeout time.Duration
	if deadline, ok := runCtx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	sb := e.cfg.Sandbox
	resp, err := sb.run(runCtx, guestRequest{
		Module:       module,
		Entry:        e.cfg.Entry,
		Input:        input,
		Capabilities: caps.Names(),
		HostDir:      sb.HostDir,
		HostTimeout:  sb.HostTimeout,
		Timeout:      timeout,
	})
	if runCtx.Err() != nil {
		return stopped(runCtx), nil, ""
	}
	if err != nil {
		logger.Warn("sandbox process failed", zap.Error(err))
		return core.Failure(GenericFailure), nil, ""
	}
	return core.Outcome{Kind: resp.Kind, Reason: resp.Reason}, resp.Output, resp.Printed
}

func stopped(ctx context.Context) core.Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Timeout()
	}
	return core.Failure("execution cancelled")
}

func (e *Executor) finish(inst *reclaim.LiveInstance, kind core.OutcomeKind, logger *zap.Logger) {
	inst.Stats.Record(kind, e.cfg.Now())
	d := e.cfg.Policy.Analyze(inst)
	logger.Debug("run finished",
		zap.String("instance_id", inst.ID),
		zap.Stringer("outcome", kind),
		zap.Float64("fitness", d.Fitness),
		zap.Bool("evicted", d.Evicted))
}

func (e *Executor) result(start time.Time, outcome core.Outcome, output []int64, printed string) core.ExecutionResult {
	if output == nil {
		output = []int64{}
	}
	return core.ExecutionResult{
		Output:   output,
		Printed:  printed,
		Outcome:  outcome,
		Duration: e.cfg.Now().Sub(start),
	}
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Runs:          e.runs.Load(),
		Successes:     e.successes.Load(),
		Failures:      e.failures.Load(),
		Timeouts:      e.timeouts.Load(),
		MemoryDenied:  e.memoryDenied.Load(),
		WarmHits:      e.warmHits.Load(),
		Abandoned:     e.abandoned.Load(),
		CompiledFresh: e.compiledFresh.Load(),
		Stalled:       e.stalled.Load(),
	}
}

func convertArgs(params []*wasmer.ValueType, input []int64) ([]interface{}, error) {
	if len(params) != len(input) {
		return nil, fmt.Errorf("entry point takes %d arguments, got %d", len(params), len(input))
	}
	args := make([]interface{}, len(input))
	for i, p := range params {
		switch p.Kind() {
		case wasmer.I32:
			args[i] = int32(input[i])
		case wasmer.I64:
			args[i] = input[i]
		case wasmer.F32:
			args[i] = float32(input[i])
		case wasmer.F64:
			args[i] = float64(input[i])
		default:
			return nil, fmt.Errorf("entry point parameter %d has unsupported type", i)
		}
	}
	return args, nil
}

func convertResult(v interface{}) []int64 {
	switch x := v.(type) {
	case nil:
		return []int64{}
	case []interface{}:
		out := make([]int64, 0, len(x))
		for _, item := range x {
			out = append(out, convertResult(item)...)
		}
		return out
	case int32:
		return []int64{int64(x)}
	case int64:
		return []int64{x}
	case float32:
		return []int64{int64(math.Trunc(float64(x)))}
	case float64:
		return []int64{int64(math.Trunc(x))}
	default:
		return []int64{}
	}
}
