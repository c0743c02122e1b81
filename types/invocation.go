package types

// FunctionRef is a stable identifier for a registered task function.
type FunctionRef string

// ClassRef is a stable identifier for a registered actor class.
type ClassRef string

// Arg is one task argument: either an ObjectID reference or an inline value.
//
// A top-level ObjectID argument is passed "by value": the executor resolves
// it before invoking user code. An inline value may itself contain ObjectIDs
// nested inside slices or maps; those are passed "by reference" and are NOT
// resolved, they reach the user function as live references.
type Arg struct {
	Ref    ObjectID
	Inline any
	isRef  bool
}

// RefArg builds a by-value ObjectID argument.
func RefArg(id ObjectID) Arg {
	return Arg{Ref: id, isRef: true}
}

// ValueArg builds an inline argument. Nested ObjectIDs inside v stay
// references.
func ValueArg(v any) Arg {
	return Arg{Inline: v}
}

// IsRef reports whether the argument is a top-level ObjectID.
func (a Arg) IsRef() bool {
	return a.isRef
}

// Invocation describes one scheduled execution of a task or actor method.
// It is created when a caller issues a remote call and destroyed once results
// are produced and acknowledged; the result ObjectIDs outlive it.
type Invocation struct {
	ID        InvocationID
	Function  FunctionRef
	Args      []Arg
	Resources ResourceMap
	Results   []ObjectID

	// Owner is the worker whose ownership table tracks the result IDs.
	// Ownership stays with the caller regardless of where execution lands.
	Owner WorkerID

	// Idempotent marks the invocation safe to re-run after a worker loss.
	// Stateless tasks set it; actor method calls never do.
	Idempotent bool

	// Actor is set for actor method invocations and pins scheduling to the
	// actor's worker.
	Actor ActorID

	// Seq orders invocations on the same actor from the same handle.
	Seq uint64

	// Method names the actor method for actor invocations.
	Method string
}

// WorkerInfo is the membership view of one worker: identity, placement, and
// total resources. Published by cluster membership, consumed by the scheduler.
type WorkerInfo struct {
	ID        WorkerID
	Node      NodeID
	Resources ResourceMap
}
