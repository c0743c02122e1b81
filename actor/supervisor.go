package actor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/types"
)

// ChildFactory creates and initializes one child actor, blocking until the
// child is Running.
type ChildFactory func(ctx context.Context) (*Handle, error)

// Supervisor keeps a fixed set of child actors alive. When a call finds a
// child unavailable (its worker died or it was terminated underneath us), the
// supervisor replaces the child and retries once, up to a restart budget.
type Supervisor struct {
	factory     ChildFactory
	call        Caller
	maxRestarts int
	logger      *slog.Logger

	mu       sync.Mutex
	children []*Handle
	next     int
	restarts int
}

// DefaultMaxRestarts bounds child replacements over a supervisor's lifetime.
const DefaultMaxRestarts = 10

// NewSupervisor creates n children up front.
func NewSupervisor(ctx context.Context, n int, factory ChildFactory, call Caller, maxRestarts int, logger *slog.Logger) (*Supervisor, error) {
	if n <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "NewSupervisor", "no children requested")
	}
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		factory:     factory,
		call:        call,
		maxRestarts: maxRestarts,
		logger:      logger.With("component", "supervisor"),
	}
	for i := 0; i < n; i++ {
		child, err := factory(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "Supervisor", "NewSupervisor", "create initial child")
		}
		s.children = append(s.children, child)
	}
	return s, nil
}

// Call forwards a method call to the next child and returns its result
// object. An unavailable child is replaced and the call retried on the
// replacement.
func (s *Supervisor) Call(ctx context.Context, method string, args []types.Arg) (types.ObjectID, error) {
	s.mu.Lock()
	idx := s.next % len(s.children)
	s.next++
	child := s.children[idx]
	s.mu.Unlock()

	id, err := s.call(ctx, child, method, args)
	if err == nil || !stderrors.Is(err, errors.ErrActorUnavailable) {
		return id, err
	}

	replacement, restartErr := s.restart(ctx, idx, child)
	if restartErr != nil {
		return types.ObjectID{}, restartErr
	}
	return s.call(ctx, replacement, method, args)
}

// restart replaces the child at idx if it is still the one we failed on.
func (s *Supervisor) restart(ctx context.Context, idx int, failed *Handle) (*Handle, error) {
	s.mu.Lock()
	if s.children[idx] != failed {
		// Another caller already replaced it.
		current := s.children[idx]
		s.mu.Unlock()
		return current, nil
	}
	if s.restarts >= s.maxRestarts {
		s.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrActorUnavailable, "Supervisor", "restart",
			"restart budget exhausted")
	}
	s.restarts++
	s.mu.Unlock()

	s.logger.Warn("replacing unavailable child", "actor", string(failed.Actor))
	replacement, err := s.factory(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Supervisor", "restart", "create replacement child")
	}

	s.mu.Lock()
	s.children[idx] = replacement
	s.mu.Unlock()
	return replacement, nil
}

// Children returns the current child handles.
func (s *Supervisor) Children() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.children))
	copy(out, s.children)
	return out
}

// Restarts reports how many children were replaced.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Shutdown terminates every child through the given terminator.
func (s *Supervisor) Shutdown(terminate func(*Handle)) {
	s.mu.Lock()
	children := make([]*Handle, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()
	for _, child := range children {
		terminate(child)
	}
}
