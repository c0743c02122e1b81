package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/types"
)

// DefaultMaxAttempts bounds re-runs of an idempotent invocation after worker
// losses, counting the first attempt.
const DefaultMaxAttempts = 3

// ActorHandler executes one actor method invocation. The actor runtime
// implements it; arguments arrive already resolved.
type ActorHandler func(ctx context.Context, inv *types.Invocation, args []any) (any, error)

// Config holds executor tunables.
type Config struct {
	// MaxAttempts bounds execution attempts of idempotent invocations across
	// worker losses.
	MaxAttempts int
}

// Validate applies defaults and checks bounds.
func (c *Config) Validate() error {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxAttempts < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Executor", "Validate",
			fmt.Sprintf("max attempts %d", c.MaxAttempts))
	}
	return nil
}

// Executor drives invocation execution on workers: argument resolution, user
// code dispatch, result storage under the caller's ownership, and the
// worker-loss recovery policy.
type Executor struct {
	registry *Registry
	resolve  store.Resolver
	logger   *slog.Logger
	metrics  *metric.Metrics
	cfg      Config

	mu       sync.RWMutex
	workers  map[types.WorkerID]*Worker
	attempts map[types.InvocationID]int

	actorHandler ActorHandler

	// resubmit re-enters a lost idempotent invocation into scheduling.
	resubmit func(*types.Invocation)
	// onDone releases the invocation's claimed resources back to scheduling.
	onDone func(types.WorkerID, *types.Invocation)
}

// New creates an executor.
func New(registry *Registry, resolve store.Resolver, cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		resolve:  resolve,
		logger:   logger.With("component", "executor"),
		metrics:  metrics,
		cfg:      cfg,
		workers:  make(map[types.WorkerID]*Worker),
		attempts: make(map[types.InvocationID]int),
	}, nil
}

// SetActorHandler wires actor method dispatch. Called once during assembly.
func (e *Executor) SetActorHandler(h ActorHandler) { e.actorHandler = h }

// SetResubmit wires the scheduling re-entry path for lost idempotent work.
func (e *Executor) SetResubmit(fn func(*types.Invocation)) { e.resubmit = fn }

// SetOnDone wires resource release after an invocation finishes.
func (e *Executor) SetOnDone(fn func(types.WorkerID, *types.Invocation)) { e.onDone = fn }

// AddWorker starts tracking a worker.
func (e *Executor) AddWorker(info types.WorkerInfo) *Worker {
	w := NewWorker(info, e.logger, e.handleLost)
	e.mu.Lock()
	e.workers[info.ID] = w
	e.mu.Unlock()
	return w
}

// Worker returns a tracked worker.
func (e *Executor) Worker(id types.WorkerID) (*Worker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[id]
	return w, ok
}

// KillWorker simulates the crash of a worker. Its in-flight and queued
// invocations are reported lost and recovered per the idempotency policy.
func (e *Executor) KillWorker(id types.WorkerID) {
	e.mu.Lock()
	w := e.workers[id]
	delete(e.workers, id)
	e.mu.Unlock()
	if w != nil {
		w.Kill()
	}
}

// Dispatch hands an invocation to its assigned worker. This is the
// scheduler's placement sink.
func (e *Executor) Dispatch(inv *types.Invocation, workerID types.WorkerID) {
	e.mu.Lock()
	e.attempts[inv.ID]++
	w := e.workers[workerID]
	e.mu.Unlock()

	if w == nil || !w.enqueue(&workItem{inv: inv, run: e.run}) {
		e.handleLost(inv)
	}
}

// run executes one invocation on its worker's goroutine.
func (e *Executor) run(w *Worker, inv *types.Invocation) {
	ctx := context.Background()

	args, err := e.resolveArgs(ctx, w, inv)
	if err != nil {
		e.finish(w, inv, nil, err)
		return
	}

	result, err := e.invoke(ctx, inv, args)
	e.finish(w, inv, result, err)
}

// resolveArgs applies the by-value rule: top-level ObjectID arguments block
// until resolved; inline values pass through, nested references untouched.
func (e *Executor) resolveArgs(ctx context.Context, w *Worker, inv *types.Invocation) ([]any, error) {
	ws := e.resolve(w.Info().ID)
	if ws == nil {
		return nil, errors.WrapFatal(errors.ErrUnknownWorker, "Executor", "resolveArgs",
			"no store for worker "+string(w.Info().ID))
	}

	args := make([]any, len(inv.Args))
	for i, a := range inv.Args {
		if !a.IsRef() {
			args[i] = a.Inline
			continue
		}
		var v any
		if err := ws.Get(ctx, a.Ref, &v); err != nil {
			// A failed dependency fails the invocation; the failure
			// propagates through the result slots.
			return nil, errors.Wrap(err, "Executor", "resolveArgs",
				fmt.Sprintf("argument %d (%s)", i, a.Ref.String()))
		}
		args[i] = v
	}
	return args, nil
}

// invoke runs user code with panic capture. A panic in user code is a user
// error, never a crash of the worker process.
func (e *Executor) invoke(ctx context.Context, inv *types.Invocation, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.ErrUserError, "Executor", "invoke",
				fmt.Sprintf("panic in %s: %v", inv.Function, r))
		}
	}()

	if inv.Actor != "" {
		if e.actorHandler == nil {
			return nil, errors.WrapFatal(errors.ErrActorNotFound, "Executor", "invoke",
				"no actor handler wired")
		}
		return e.actorHandler(ctx, inv, args)
	}

	fn, ok := e.registry.Task(inv.Function)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownFunction, "Executor", "invoke",
			"unregistered function "+string(inv.Function))
	}
	return fn(ctx, args)
}

// finish publishes the invocation's outcome into the caller's result slots
// and releases its resources. A kill during execution discards the outcome.
func (e *Executor) finish(w *Worker, inv *types.Invocation, result any, err error) {
	if w.Killed() {
		e.handleLost(inv)
		return
	}

	owner := e.resolve(inv.Owner)
	switch {
	case err != nil:
		if e.metrics != nil {
			e.metrics.TasksExecuted.WithLabelValues("user_error").Inc()
		}
		e.logger.Debug("invocation failed", "invocation", string(inv.ID), "error", err)
		if owner != nil {
			for _, id := range inv.Results {
				// Unavailability is a system outcome, not a user failure,
				// and keeps its sentinel through the result slot.
				if stderrors.Is(err, errors.ErrActorUnavailable) {
					owner.FulfillFailure(id, errors.ErrActorUnavailable, err.Error())
					continue
				}
				owner.FulfillError(id, err.Error())
			}
		}
	default:
		if e.metrics != nil {
			e.metrics.TasksExecuted.WithLabelValues("ok").Inc()
		}
		if owner != nil {
			e.fulfillResults(owner, inv, result)
		}
	}

	e.forget(inv.ID)
	if e.onDone != nil {
		e.onDone(w.Info().ID, inv)
	}
}

// fulfillResults maps a return value onto the declared result slots. A
// multi-result invocation returns a slice with one element per slot.
func (e *Executor) fulfillResults(owner *store.Store, inv *types.Invocation, result any) {
	ctx := context.Background()
	if len(inv.Results) == 1 {
		if err := owner.Fulfill(ctx, inv.Results[0], result); err != nil {
			e.logger.Error("store result", "invocation", string(inv.ID), "error", err)
			owner.FulfillError(inv.Results[0], err.Error())
		}
		return
	}

	parts, ok := result.([]any)
	if !ok || len(parts) != len(inv.Results) {
		msg := fmt.Sprintf("%s returned %d results, %d declared", inv.Function, lenOf(result), len(inv.Results))
		for _, id := range inv.Results {
			owner.FulfillError(id, msg)
		}
		return
	}
	for i, id := range inv.Results {
		if err := owner.Fulfill(ctx, id, parts[i]); err != nil {
			e.logger.Error("store result", "invocation", string(inv.ID), "error", err)
			owner.FulfillError(id, err.Error())
		}
	}
}

func lenOf(v any) int {
	if parts, ok := v.([]any); ok {
		return len(parts)
	}
	if v == nil {
		return 0
	}
	return 1
}

// handleLost applies the worker-loss policy: idempotent invocations re-enter
// scheduling up to the attempt bound, everything else fails the result slots
// with the matching sentinel.
func (e *Executor) handleLost(inv *types.Invocation) {
	if e.metrics != nil {
		e.metrics.TasksExecuted.WithLabelValues("worker_lost").Inc()
	}

	e.mu.RLock()
	attempts := e.attempts[inv.ID]
	e.mu.RUnlock()

	if inv.Idempotent && inv.Actor == "" && attempts < e.cfg.MaxAttempts && e.resubmit != nil {
		if e.metrics != nil {
			e.metrics.TaskRetries.Inc()
		}
		e.logger.Info("re-submitting lost invocation",
			"invocation", string(inv.ID), "attempt", attempts+1)
		e.resubmit(inv)
		return
	}

	e.forget(inv.ID)
	owner := e.resolve(inv.Owner)
	if owner == nil {
		return
	}
	sentinel := errors.ErrWorkerLost
	msg := "executing worker lost"
	if inv.Actor != "" {
		sentinel = errors.ErrActorUnavailable
		msg = "actor worker lost: " + string(inv.Actor)
	}
	for _, id := range inv.Results {
		owner.FulfillFailure(id, sentinel, msg)
	}
}

func (e *Executor) forget(id types.InvocationID) {
	e.mu.Lock()
	delete(e.attempts, id)
	e.mu.Unlock()
}
