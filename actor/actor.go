// Package actor manages stateful actor lifecycles: creation with sticky
// placement, serialized method execution on the actor's worker, and
// termination. Actor state never moves between workers.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/executor"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/types"
)

// InitMethod is the reserved method name for constructor invocations.
const InitMethod = "__init__"

// Status is an actor's lifecycle position. Forward-only.
type Status int

const (
	// StatusUninitialized means the actor is placed but its constructor has
	// not completed.
	StatusUninitialized Status = iota
	// StatusRunning means the constructor succeeded and methods execute.
	StatusRunning
	// StatusTerminated means the actor is gone; every call fails with
	// an unavailable error.
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handle is the caller-side reference to an actor. The sequence counter
// orders method calls issued through this handle.
type Handle struct {
	Actor  types.ActorID
	Class  types.ClassRef
	Worker types.WorkerID

	seq atomic.Uint64
}

func (h *Handle) nextSeq() uint64 { return h.seq.Add(1) }

// instance is the worker-side record of one actor.
type instance struct {
	class  types.ClassRef
	impl   executor.ActorClass
	state  any
	status Status

	// lastSeq is the highest admitted sequence number. Gaps are fine, a
	// rejected submission burns its number; going backwards is not.
	lastSeq uint64
}

// Runtime tracks live actors and executes their invocations. It plugs into
// the executor as the actor handler; placement and release go through the
// scheduler hooks wired at assembly.
type Runtime struct {
	registry *executor.Registry
	reserve  func(types.ActorID, types.ResourceMap) (types.WorkerID, error)
	release  func(types.ActorID)
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu     sync.RWMutex
	actors map[types.ActorID]*instance
}

// NewRuntime creates an actor runtime.
func NewRuntime(
	registry *executor.Registry,
	reserve func(types.ActorID, types.ResourceMap) (types.WorkerID, error),
	release func(types.ActorID),
	logger *slog.Logger,
	metrics *metric.Metrics,
) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registry: registry,
		reserve:  reserve,
		release:  release,
		logger:   logger.With("component", "actor"),
		metrics:  metrics,
		actors:   make(map[types.ActorID]*instance),
	}
}

// Create places a new actor and returns its handle. The actor stays
// Uninitialized until its constructor invocation completes; calls submitted
// in between queue behind the constructor on the same worker.
func (r *Runtime) Create(class types.ClassRef, resources types.ResourceMap) (*Handle, error) {
	impl, ok := r.registry.Actor(class)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrActorNotFound, "ActorRuntime", "Create",
			"unregistered class "+string(class))
	}

	id := types.ActorID(uuid.NewString())
	worker, err := r.reserve(id, resources)
	if err != nil {
		return nil, errors.Wrap(err, "ActorRuntime", "Create", "place actor "+string(id))
	}

	r.mu.Lock()
	r.actors[id] = &instance{class: class, impl: impl, status: StatusUninitialized}
	r.mu.Unlock()

	r.logger.Info("actor created", "actor", string(id), "class", string(class), "worker", string(worker))
	return &Handle{Actor: id, Class: class, Worker: worker}, nil
}

// NewInitInvocation builds the constructor invocation for a fresh handle.
// The result slot acknowledges initialization and carries constructor errors.
func (r *Runtime) NewInitInvocation(h *Handle, owner *store.Store, args []types.Arg, resources types.ResourceMap) (*types.Invocation, error) {
	slot, err := owner.CreateResultSlot()
	if err != nil {
		return nil, err
	}
	return &types.Invocation{
		ID:        types.InvocationID(uuid.NewString()),
		Args:      args,
		Resources: resources,
		Results:   []types.ObjectID{slot},
		Owner:     owner.Owner(),
		Actor:     h.Actor,
		Seq:       h.nextSeq(),
		Method:    InitMethod,
	}, nil
}

// NewCallInvocation builds a method invocation ordered after every earlier
// invocation issued through the same handle.
func (r *Runtime) NewCallInvocation(h *Handle, owner *store.Store, method string, args []types.Arg) (*types.Invocation, error) {
	slot, err := owner.CreateResultSlot()
	if err != nil {
		return nil, err
	}
	return &types.Invocation{
		ID:      types.InvocationID(uuid.NewString()),
		Args:    args,
		Results: []types.ObjectID{slot},
		Owner:   owner.Owner(),
		Actor:   h.Actor,
		Seq:     h.nextSeq(),
		Method:  method,
	}, nil
}

// HandleInvocation executes one actor invocation on the actor's worker. It is
// the executor's actor handler; FIFO ordering comes from the worker mailbox.
func (r *Runtime) HandleInvocation(ctx context.Context, inv *types.Invocation, args []any) (any, error) {
	r.mu.RLock()
	inst := r.actors[inv.Actor]
	r.mu.RUnlock()

	if inst == nil {
		r.countInvocation("unavailable")
		return nil, errors.Wrap(errors.ErrActorUnavailable, "ActorRuntime", "HandleInvocation",
			"unknown actor "+string(inv.Actor))
	}

	if err := r.admitSeq(inst, inv); err != nil {
		r.countInvocation("stale")
		return nil, err
	}

	if inv.Method == InitMethod {
		return r.construct(ctx, inv, inst, args)
	}
	return r.call(ctx, inv, inst, args)
}

// admitSeq enforces per-handle submission order on the actor's worker. An
// invocation arriving behind one with a higher sequence number is rejected;
// executing it would apply state changes out of the order the caller issued
// them.
func (r *Runtime) admitSeq(inst *instance, inv *types.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv.Seq <= inst.lastSeq {
		return errors.WrapInvalid(errors.ErrStaleSequence, "ActorRuntime", "HandleInvocation",
			fmt.Sprintf("sequence %d arrived after %d on actor %s", inv.Seq, inst.lastSeq, inv.Actor))
	}
	inst.lastSeq = inv.Seq
	return nil
}

func (r *Runtime) construct(ctx context.Context, inv *types.Invocation, inst *instance, args []any) (any, error) {
	r.mu.Lock()
	if inst.status != StatusUninitialized {
		status := inst.status
		r.mu.Unlock()
		r.countInvocation("unavailable")
		return nil, errors.Wrap(errors.ErrActorUnavailable, "ActorRuntime", "construct",
			"actor "+string(inv.Actor)+" is "+status.String())
	}
	r.mu.Unlock()

	state, err := inst.impl.New(ctx, args)
	if err != nil {
		// A failed constructor terminates the actor; later calls observe
		// unavailability, the creator observes the constructor error.
		r.logger.Warn("actor constructor failed", "actor", string(inv.Actor), "error", err)
		r.terminate(inv.Actor)
		r.countInvocation("user_error")
		return nil, err
	}

	r.mu.Lock()
	inst.state = state
	inst.status = StatusRunning
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActorsLive.Inc()
	}
	r.countInvocation("ok")
	return true, nil
}

func (r *Runtime) call(ctx context.Context, inv *types.Invocation, inst *instance, args []any) (any, error) {
	r.mu.RLock()
	status := inst.status
	state := inst.state
	r.mu.RUnlock()

	if status != StatusRunning {
		r.countInvocation("unavailable")
		return nil, errors.Wrap(errors.ErrActorUnavailable, "ActorRuntime", "call",
			"actor "+string(inv.Actor)+" is "+status.String())
	}

	method, ok := inst.impl.Methods[inv.Method]
	if !ok {
		r.countInvocation("user_error")
		return nil, errors.WrapInvalid(errors.ErrUnknownFunction, "ActorRuntime", "call",
			"class "+string(inst.class)+" has no method "+inv.Method)
	}

	result, err := method(ctx, state, args)
	if err != nil {
		// Method failures surface to the caller; the actor keeps running
		// with whatever state the method left behind.
		r.countInvocation("user_error")
		return nil, err
	}
	r.countInvocation("ok")
	return result, nil
}

// Terminate tears an actor down: its reservation is released and every
// queued or future invocation fails as unavailable. Idempotent.
func (r *Runtime) Terminate(h *Handle) {
	r.terminate(h.Actor)
}

func (r *Runtime) terminate(id types.ActorID) {
	r.mu.Lock()
	inst := r.actors[id]
	if inst == nil || inst.status == StatusTerminated {
		r.mu.Unlock()
		return
	}
	wasRunning := inst.status == StatusRunning
	inst.status = StatusTerminated
	inst.state = nil
	r.mu.Unlock()

	if wasRunning && r.metrics != nil {
		r.metrics.ActorsLive.Dec()
	}
	if r.release != nil {
		r.release(id)
	}
	r.logger.Info("actor terminated", "actor", string(id))
}

// LoseWorker terminates every actor placed on a lost worker.
func (r *Runtime) LoseWorker(worker types.WorkerID, placed func(types.ActorID) bool) {
	r.mu.RLock()
	var victims []types.ActorID
	for id := range r.actors {
		if placed(id) {
			victims = append(victims, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range victims {
		r.terminate(id)
	}
	if len(victims) > 0 {
		r.logger.Warn("actors lost with worker", "worker", string(worker), "count", len(victims))
	}
}

// Status reports an actor's lifecycle position.
func (r *Runtime) Status(id types.ActorID) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.actors[id]
	if !ok {
		return StatusTerminated, false
	}
	return inst.status, true
}

func (r *Runtime) countInvocation(status string) {
	if r.metrics != nil {
		r.metrics.ActorInvocations.WithLabelValues(status).Inc()
	}
}
