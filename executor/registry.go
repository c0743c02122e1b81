// Package executor runs invocations on assigned workers: it resolves
// arguments, invokes registered user code, and stores results under the
// caller's ownership.
package executor

import (
	"context"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/types"
)

// TaskFunc is a registered stateless task. Arguments arrive resolved per the
// by-value rule; nested ObjectIDs inside structured arguments arrive as live
// references.
type TaskFunc func(ctx context.Context, args []any) (any, error)

// CtorFunc constructs an actor's mutable state instance.
type CtorFunc func(ctx context.Context, args []any) (any, error)

// MethodFunc is one actor method. It may mutate state and returns the
// method's result.
type MethodFunc func(ctx context.Context, state any, args []any) (any, error)

// ActorClass couples a constructor with the methods it exposes.
type ActorClass struct {
	New     CtorFunc
	Methods map[string]MethodFunc
}

// Registry maps stable function and class references to invocation targets.
// The core depends only on this mapping, never on reflection.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[types.FunctionRef]TaskFunc
	actors map[types.ClassRef]ActorClass
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[types.FunctionRef]TaskFunc),
		actors: make(map[types.ClassRef]ActorClass),
	}
}

// RegisterTask binds a function reference to a task implementation.
func (r *Registry) RegisterTask(ref types.FunctionRef, fn TaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[ref]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterTask",
			"duplicate task "+string(ref))
	}
	r.tasks[ref] = fn
	return nil
}

// RegisterActor binds a class reference to an actor class.
func (r *Registry) RegisterActor(ref types.ClassRef, class ActorClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actors[ref]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterActor",
			"duplicate actor class "+string(ref))
	}
	if class.New == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterActor",
			"actor class "+string(ref)+" has no constructor")
	}
	r.actors[ref] = class
	return nil
}

// Task looks up a task implementation.
func (r *Registry) Task(ref types.FunctionRef) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[ref]
	return fn, ok
}

// Actor looks up an actor class.
func (r *Registry) Actor(ref types.ClassRef) (ActorClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.actors[ref]
	return class, ok
}
