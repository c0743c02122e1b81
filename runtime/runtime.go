// Package runtime assembles the task execution system: per-node shared
// stores, per-worker object stores, the scheduler, the executor, and the
// actor runtime, behind a single handle with explicit initialization and
// teardown. Nothing lives in package-level state; two runtimes can coexist
// in one process.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/c360/taskmesh/actor"
	"github.com/c360/taskmesh/codec"
	"github.com/c360/taskmesh/config"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/executor"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/ownership"
	"github.com/c360/taskmesh/scheduler"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/transport"
	"github.com/c360/taskmesh/types"
)

// DriverWorker is the synthetic worker identity owning objects created
// through the runtime's direct Put and Call APIs. It never executes tasks.
const DriverWorker types.WorkerID = "driver"

// Runtime is one initialized instance of the system.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	codec    codec.Codec
	trans    transport.Transport
	ownTrans bool

	sched  *scheduler.Scheduler
	exec   *executor.Executor
	funcs  *executor.Registry
	actors *actor.Runtime

	mu         sync.RWMutex
	nodeStores map[types.NodeID]*store.NodeStore
	stores     map[types.WorkerID]*store.Store
	members    map[types.WorkerID]types.WorkerInfo
	actorRes   map[types.ActorID]types.ResourceMap
	initSlots  map[types.ActorID]types.ObjectID
	closed     bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger overrides the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithTransport overrides the cross-node transport. The default is the
// in-process loopback.
func WithTransport(t transport.Transport) Option {
	return func(r *Runtime) {
		r.trans = t
		r.ownTrans = false
	}
}

// WithMetricsRegistry enables metrics collection through the given registry.
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(r *Runtime) {
		r.registry = reg
		r.metrics = reg.CoreMetrics()
	}
}

// New builds and starts a runtime from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:        cfg,
		codec:      codec.MustCBOR(),
		nodeStores: make(map[types.NodeID]*store.NodeStore),
		stores:     make(map[types.WorkerID]*store.Store),
		members:    make(map[types.WorkerID]types.WorkerInfo),
		actorRes:   make(map[types.ActorID]types.ResourceMap),
		initSlots:  make(map[types.ActorID]types.ObjectID),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = newLogger(cfg.Logging)
	}
	if r.trans == nil {
		r.trans = transport.NewLoopback()
		r.ownTrans = true
	}

	storeCfg := cfg.StoreConfig()

	// One shared store per node, served over the transport.
	for _, node := range cfg.Cluster.Nodes {
		if _, err := r.newNodeStoreLocked(types.NodeID(node.ID), storeCfg); err != nil {
			return nil, err
		}
	}

	// One object store per worker, plus the driver's.
	workers := cfg.Workers()
	driverNode := types.NodeID(cfg.Cluster.Nodes[0].ID)
	for _, info := range append(workers, types.WorkerInfo{ID: DriverWorker, Node: driverNode}) {
		table := ownership.NewTable(info.ID, r.logger)
		s, err := r.newWorkerStoreLocked(info, storeCfg, table, r.nodeStores[info.Node])
		if err != nil {
			return nil, err
		}
		r.stores[info.ID] = s
		if info.ID != DriverWorker {
			r.members[info.ID] = info
		}
	}

	r.sched = scheduler.New(cfg.SchedulerConfig(), r.objectLocations, r.logger, r.metrics)

	r.funcs = executor.NewRegistry()
	exec, err := executor.New(r.funcs, r.resolveStore, cfg.ExecutorConfig(), r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.exec = exec
	for _, info := range workers {
		r.exec.AddWorker(info)
	}

	r.actors = actor.NewRuntime(r.funcs, r.reserveActor, r.releaseActor, r.logger, r.metrics)

	r.sched.SetDispatch(r.exec.Dispatch)
	r.exec.SetActorHandler(r.actors.HandleInvocation)
	r.exec.SetOnDone(r.invocationDone)
	r.exec.SetResubmit(r.resubmit)

	r.sched.UpdateWorkers(workers)

	r.logger.Info("runtime started",
		"cluster", cfg.Cluster.Name,
		"nodes", len(r.nodeStores),
		"workers", len(workers))
	return r, nil
}

// newLogger builds the structured logger described by the configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

// newNodeStoreLocked creates and registers a node's shared store and serves
// it over the transport. Caller holds r.mu (or runs during single-threaded
// assembly).
func (r *Runtime) newNodeStoreLocked(nodeID types.NodeID, storeCfg store.Config) (*store.NodeStore, error) {
	ns, err := store.NewNodeStore(nodeID, storeCfg, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.nodeStores[nodeID] = ns
	r.serveNode(nodeID, ns)
	return ns, nil
}

// newWorkerStoreLocked creates a worker's object store wired into the shared
// resolver. Caller holds r.mu (or runs during single-threaded assembly).
func (r *Runtime) newWorkerStoreLocked(info types.WorkerInfo, storeCfg store.Config, table *ownership.Table, ns *store.NodeStore) (*store.Store, error) {
	s, err := store.NewStore(info.ID, info.Node, storeCfg, r.codec, table,
		ns, r.trans, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	s.SetResolver(r.resolveStore)
	s.SetNodeLocator(r.locateWorker)
	return s, nil
}

func (r *Runtime) serveNode(nodeID types.NodeID, ns *store.NodeStore) {
	r.trans.Serve(nodeID, func(_ context.Context, id types.ObjectID) ([]byte, bool) {
		if data, err := ns.Get(id); err == nil {
			return data, true
		}
		// The owner may still hold the value in-process; serving the borrow
		// promotes it into this node's shared tier.
		if s := r.resolveStore(id.Owner); s != nil && s.Node() == nodeID {
			return s.ServeFetch(id)
		}
		return nil, false
	})
	r.trans.ServeSend(nodeID, func(payload []byte) {
		if id, ok := transport.ParseFreePayload(payload); ok {
			ns.Free(id)
		}
	})
}

// locateWorker maps a worker to its node, per current membership.
func (r *Runtime) locateWorker(worker types.WorkerID) (types.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.members[worker]
	if !ok {
		return "", false
	}
	return info.Node, true
}

// resolveStore is the in-process owner lookup shared by every store and the
// executor.
func (r *Runtime) resolveStore(owner types.WorkerID) *store.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[owner]
}

// objectLocations feeds data locality into scheduling: the nodes advertising
// a copy, and always the owner's node, where in-process values live.
func (r *Runtime) objectLocations(id types.ObjectID) []types.NodeID {
	owner := r.resolveStore(id.Owner)
	if owner == nil {
		return nil
	}
	hints := owner.Table().Locations(id)
	for _, h := range hints {
		if h == owner.Node() {
			return hints
		}
	}
	return append(hints, owner.Node())
}

func (r *Runtime) reserveActor(id types.ActorID, demand types.ResourceMap) (types.WorkerID, error) {
	worker, err := r.sched.PlaceActor(id, demand)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.actorRes[id] = demand.Clone()
	r.mu.Unlock()
	return worker, nil
}

func (r *Runtime) releaseActor(id types.ActorID) {
	r.mu.Lock()
	demand := r.actorRes[id]
	delete(r.actorRes, id)
	delete(r.initSlots, id)
	r.mu.Unlock()
	r.sched.ReleaseActor(id, demand)
}

// invocationDone returns task resources to the scheduler. Actor calls hold
// no per-call claim; their worker's resources were reserved at creation.
func (r *Runtime) invocationDone(worker types.WorkerID, inv *types.Invocation) {
	if inv.Actor != "" {
		return
	}
	r.sched.Release(worker, inv.Resources)
}

// resubmit re-enters a lost idempotent invocation. If scheduling now rejects
// it, the loss becomes the final outcome.
func (r *Runtime) resubmit(inv *types.Invocation) {
	if err := r.sched.Submit(inv); err != nil {
		r.logger.Warn("re-submission rejected", "invocation", string(inv.ID), "error", err)
		if owner := r.resolveStore(inv.Owner); owner != nil {
			for _, id := range inv.Results {
				owner.FulfillFailure(id, errors.ErrWorkerLost, "re-submission rejected: "+err.Error())
			}
		}
	}
}

// Shutdown tears the runtime down. Outstanding Gets observe closed stores;
// no new submissions are accepted.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stores := make([]*store.Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.Unlock()

	r.sched.Close()
	for _, s := range stores {
		s.Table().Close()
	}
	if r.ownTrans {
		_ = r.trans.Close()
	}
	r.logger.Info("runtime stopped")
}

// Registry exposes task and actor registration.
func (r *Runtime) Registry() *executor.Registry { return r.funcs }

// Scheduler exposes the scheduler, for health reporting.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// MetricsRegistry returns the wired registry, or nil when metrics are off.
func (r *Runtime) MetricsRegistry() *metric.MetricsRegistry { return r.registry }

// NodeStores returns the shared store of every node, for health reporting.
func (r *Runtime) NodeStores() []*store.NodeStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.NodeStore, 0, len(r.nodeStores))
	for _, ns := range r.nodeStores {
		out = append(out, ns)
	}
	return out
}
