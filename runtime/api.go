package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/actor"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/ownership"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/types"
)

// callSpec collects per-call options.
type callSpec struct {
	resources  types.ResourceMap
	numResults int
	idempotent bool
}

// CallOption customizes a task or actor submission.
type CallOption func(*callSpec)

// WithResources declares the invocation's resource demand. The default is
// one CPU.
func WithResources(res types.ResourceMap) CallOption {
	return func(s *callSpec) { s.resources = res.Clone() }
}

// WithNumResults declares how many result objects the call produces.
func WithNumResults(n int) CallOption {
	return func(s *callSpec) { s.numResults = n }
}

// WithNonIdempotent marks the call unsafe to re-run after a worker loss; it
// then fails with a worker-lost error instead of retrying.
func WithNonIdempotent() CallOption {
	return func(s *callSpec) { s.idempotent = false }
}

func newCallSpec(opts []CallOption) callSpec {
	s := callSpec{
		resources:  types.ResourceMap{types.ResourceCPU: 1},
		numResults: 1,
		idempotent: true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Put stores a value and returns its ObjectID, owned by the driver.
func (r *Runtime) Put(ctx context.Context, v any) (types.ObjectID, error) {
	return r.driver().Put(ctx, v)
}

// Get resolves an ObjectID into out, blocking until the value is available
// or the context's deadline elapses.
func (r *Runtime) Get(ctx context.Context, id types.ObjectID, out any) error {
	return r.driver().Get(ctx, id, out)
}

// GetTimeout is Get with an explicit deadline.
func (r *Runtime) GetTimeout(id types.ObjectID, timeout time.Duration, out any) error {
	return r.driver().GetTimeout(id, timeout, out)
}

// GetAll resolves a batch of ObjectIDs, all-or-timeout, preserving order.
func (r *Runtime) GetAll(ctx context.Context, ids []types.ObjectID, outs []any) error {
	return r.driver().GetAll(ctx, ids, outs)
}

// Call submits a task invocation and immediately returns the ObjectIDs its
// results will land under. Execution is asynchronous; Get blocks on them.
func (r *Runtime) Call(fn types.FunctionRef, args []types.Arg, opts ...CallOption) ([]types.ObjectID, error) {
	spec := newCallSpec(opts)
	driver := r.driver()

	results := make([]types.ObjectID, 0, spec.numResults)
	for i := 0; i < spec.numResults; i++ {
		id, err := driver.CreateResultSlot()
		if err != nil {
			return nil, err
		}
		results = append(results, id)
	}

	inv := &types.Invocation{
		ID:         types.InvocationID(uuid.NewString()),
		Function:   fn,
		Args:       args,
		Resources:  spec.resources,
		Results:    results,
		Owner:      driver.Owner(),
		Idempotent: spec.idempotent,
	}
	if err := r.sched.Submit(inv); err != nil {
		// Drop the creating references so the table record and the entry go
		// through the normal free path, not just the entry.
		for _, id := range results {
			_ = driver.Table().ReleaseLocalRef(id)
		}
		return nil, err
	}
	return results, nil
}

// CreateActor places and initializes a stateful actor, returning its handle
// without waiting for the constructor. Early method calls queue behind the
// constructor on the actor's worker.
func (r *Runtime) CreateActor(class types.ClassRef, args []types.Arg, opts ...CallOption) (*actor.Handle, error) {
	spec := newCallSpec(opts)
	driver := r.driver()

	h, err := r.actors.Create(class, spec.resources)
	if err != nil {
		return nil, err
	}
	inv, err := r.actors.NewInitInvocation(h, driver, args, spec.resources)
	if err != nil {
		r.actors.Terminate(h)
		return nil, err
	}

	r.mu.Lock()
	r.initSlots[h.Actor] = inv.Results[0]
	r.mu.Unlock()

	if err := r.sched.Submit(inv); err != nil {
		r.actors.Terminate(h)
		_ = driver.Table().ReleaseLocalRef(inv.Results[0])
		return nil, err
	}
	return h, nil
}

// WaitActor blocks until the actor's constructor completes, surfacing any
// constructor failure.
func (r *Runtime) WaitActor(ctx context.Context, h *actor.Handle) error {
	r.mu.RLock()
	slot, ok := r.initSlots[h.Actor]
	r.mu.RUnlock()
	if !ok {
		// Already initialized and forgotten, or terminated; status decides.
		if status, tracked := r.actors.Status(h.Actor); tracked && status == actor.StatusRunning {
			return nil
		}
		return errors.Wrap(errors.ErrActorUnavailable, "Runtime", "WaitActor", string(h.Actor))
	}
	return r.driver().Get(ctx, slot, nil)
}

// CallActor submits a method call on an actor. Calls through the same handle
// execute in submission order on the actor's worker.
func (r *Runtime) CallActor(h *actor.Handle, method string, args []types.Arg) (types.ObjectID, error) {
	inv, err := r.actors.NewCallInvocation(h, r.driver(), method, args)
	if err != nil {
		return types.ObjectID{}, err
	}
	if err := r.sched.Submit(inv); err != nil {
		_ = r.driver().Table().ReleaseLocalRef(inv.Results[0])
		return types.ObjectID{}, err
	}
	return inv.Results[0], nil
}

// ActorCaller returns a blocking caller suitable for actor pools and
// supervisors: it submits the method call and waits for the result slot to
// settle before handing the slot back.
func (r *Runtime) ActorCaller() actor.Caller {
	return func(ctx context.Context, h *actor.Handle, method string, args []types.Arg) (types.ObjectID, error) {
		slot, err := r.CallActor(h, method, args)
		if err != nil {
			return types.ObjectID{}, err
		}
		if err := r.driver().Get(ctx, slot, nil); err != nil {
			return slot, err
		}
		return slot, nil
	}
}

// TerminateActor tears an actor down. Pending calls fail as unavailable.
func (r *Runtime) TerminateActor(h *actor.Handle) {
	r.actors.Terminate(h)
}

// ActorStatus reports an actor's lifecycle state.
func (r *Runtime) ActorStatus(h *actor.Handle) (actor.Status, bool) {
	return r.actors.Status(h.Actor)
}

// Acquire takes an additional local reference on an object, keeping it alive
// independent of its creator's reference.
func (r *Runtime) Acquire(id types.ObjectID) error {
	owner := r.resolveStore(id.Owner)
	if owner == nil {
		return errors.Wrap(errors.ErrUnknownWorker, "Runtime", "Acquire", id.String())
	}
	return owner.Table().AddLocalRef(id)
}

// Release drops one local reference. The last release frees the object
// everywhere.
func (r *Runtime) Release(id types.ObjectID) error {
	owner := r.resolveStore(id.Owner)
	if owner == nil {
		return errors.Wrap(errors.ErrUnknownWorker, "Runtime", "Release", id.String())
	}
	return owner.Table().ReleaseLocalRef(id)
}

// WithRef runs fn while holding an extra reference on id. The reference is
// dropped when fn returns, even on error.
func (r *Runtime) WithRef(id types.ObjectID, fn func() error) error {
	if err := r.Acquire(id); err != nil {
		return err
	}
	defer func() { _ = r.Release(id) }()
	return fn()
}

// KillWorker simulates a worker crash: membership shrinks, in-flight and
// queued work is recovered per the idempotency policy, and actors placed on
// the worker terminate.
func (r *Runtime) KillWorker(id types.WorkerID) {
	r.mu.Lock()
	delete(r.members, id)
	remaining := make([]types.WorkerInfo, 0, len(r.members))
	for _, info := range r.members {
		remaining = append(remaining, info)
	}
	r.mu.Unlock()

	r.logger.Warn("killing worker", "worker", string(id))

	// Membership first, so re-submissions cannot land back on the corpse.
	r.sched.UpdateWorkers(remaining)
	r.actors.LoseWorker(id, func(a types.ActorID) bool {
		w, ok := r.sched.PinnedWorker(a)
		return ok && w == id
	})
	r.exec.KillWorker(id)
}

// AddWorker grows the cluster with a new worker, creating its store (and its
// node's shared store if the node is new).
func (r *Runtime) AddWorker(info types.WorkerInfo) error {
	storeCfg := r.cfg.StoreConfig()

	r.mu.Lock()
	if _, exists := r.stores[info.ID]; exists {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Runtime", "AddWorker",
			"worker "+string(info.ID)+" already exists")
	}
	ns, ok := r.nodeStores[info.Node]
	if !ok {
		var err error
		ns, err = r.newNodeStoreLocked(info.Node, storeCfg)
		if err != nil {
			r.mu.Unlock()
			return err
		}
	}
	table := ownership.NewTable(info.ID, r.logger)
	s, err := r.newWorkerStoreLocked(info, storeCfg, table, ns)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.stores[info.ID] = s
	r.members[info.ID] = info
	members := make([]types.WorkerInfo, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	r.exec.AddWorker(info)
	r.sched.UpdateWorkers(members)
	r.logger.Info("worker joined", "worker", string(info.ID), "node", string(info.Node))
	return nil
}

// Workers returns the current membership.
func (r *Runtime) Workers() []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(r.members))
	for _, info := range r.members {
		out = append(out, info)
	}
	return out
}

func (r *Runtime) driver() *store.Store {
	return r.resolveStore(DriverWorker)
}
