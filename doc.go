// Package taskmesh provides a distributed object store and task execution
// runtime with locality-aware scheduling and a supervised actor layer.
//
// # Architecture
//
// Taskmesh is built from four cooperating subsystems:
//
//	┌─────────────────────────────────────┐
//	│           Runtime API               │  Put/Get, Call,
//	│   (driver surface, assembly)        │  CreateActor, KillWorker
//	└─────────────────────────────────────┘
//	           ↓ submits to
//	┌─────────────────────────────────────┐
//	│           Scheduler                 │  Resource accounting,
//	│  (placement, locality, actor pins)  │  wait queues, aging
//	└─────────────────────────────────────┘
//	           ↓ dispatches to
//	┌─────────────────────────────────────┐
//	│           Executor                  │  Worker mailboxes,
//	│  (arg resolution, retry policy)     │  actor method delivery
//	└─────────────────────────────────────┘
//	           ↓ reads and fulfills
//	┌─────────────────────────────────────┐
//	│          Object Store               │  In-process slots, shared
//	│ (ownership table, tiers, transport) │  node tier, disk spill
//	└─────────────────────────────────────┘
//
// # Object Model
//
// Every value a task produces or a caller Puts becomes an immutable object
// named by an ObjectID. The ID embeds its owning worker, so any holder can
// route a Get without a directory lookup. Objects are created pending,
// fulfilled exactly once, and freed when their distributed reference count
// reaches zero. Small objects stay in the owner's in-process tier until a
// remote node requests them; large ones are promoted to the node's shared
// tier at put time. The shared tier spills to disk past the high watermark,
// and frees propagate to every node caching a copy.
//
// # Execution Model
//
// A Call names a registered function, arguments, and a resource demand.
// The scheduler places it on a worker whose node already holds the
// arguments where possible, favoring locality over strict FIFO while
// aging prevents starvation. Top-level reference arguments are resolved
// to values before the function runs; references nested inside values
// pass through untouched. Idempotent tasks lost to a worker failure are
// resubmitted up to a retry bound; non-idempotent ones fail fast.
//
// Actors are stateful workers: a class constructor runs once on a pinned
// worker and method calls are delivered in submission order through the
// worker mailbox. A method error surfaces to the caller and leaves the
// actor running; losing the pinned worker terminates the actor, and the
// supervisor layer can restart children with a restart budget.
//
// # Packages
//
// Core:
//   - types: ObjectID, Invocation, resource maps, worker identity
//   - store: tiered object store, node shared tier, spill files
//   - ownership: distributed reference counting table
//   - scheduler: placement, resource accounting, actor pins
//   - executor: workers, argument resolution, retry policy
//   - actor: actor runtime, pools, supervision
//   - runtime: cluster assembly and the public API surface
//
// Infrastructure:
//   - codec: CBOR serialization boundary
//   - transport: cross-node fetch, loopback and NATS backends
//   - config: YAML configuration with env overrides
//   - errors: classified error handling
//   - metric: Prometheus metrics registry
//   - health: health checkers and HTTP endpoint
//   - pkg/retry: exponential backoff used by the fetch path
//
// # Usage
//
// Single-process cluster:
//
//	cfg := config.Default()
//	rt, _ := runtime.New(cfg)
//	defer rt.Shutdown()
//
//	rt.Registry().RegisterTask("double", func(ctx context.Context, args []any) (any, error) {
//	    return args[0].(int64) * 2, nil
//	})
//
//	id, _ := rt.Put(ctx, 21)
//	results, _ := rt.Call("double", []types.Arg{types.RefArg(id)})
//
//	var out int64
//	rt.Get(ctx, results[0], &out) // 42
//
// Multi-process clusters swap the loopback transport for NATS via the
// transport/natstransport package; the store and scheduler are unchanged.
//
// # Binary
//
// The node daemon lives in cmd/taskmesh. It loads a YAML config, assembles
// the runtime, and serves Prometheus metrics and health endpoints:
//
//	./bin/taskmesh --config configs/example.yaml
package taskmesh
