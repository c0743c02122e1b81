// Package store implements the tiered object store: a per-worker in-process
// table for small objects and local futures, and a per-node shared store for
// large immutable buffers with spill-to-disk overflow.
package store

import (
	"sync"

	"github.com/c360/taskmesh/types"
)

// State is an object entry's position in its lifecycle lattice. Entries only
// move forward (Pending -> {InProcess|Promoted|Errored} -> Spilled -> Freed);
// a Spilled object may be reloaded into memory on access without changing its
// logical state.
type State int

const (
	// StatePending means the ObjectID is minted but the value is not yet known
	// (a put in flight, or a task's declared return slot).
	StatePending State = iota
	// StateInProcess means the serialized value sits in the owner's local
	// table (small objects, at or under the promotion threshold).
	StateInProcess
	// StatePromoted means the bytes live in the node-shared store and the
	// local entry is a placeholder pointing at shared-store locations.
	StatePromoted
	// StateErrored means the producing invocation failed; the entry holds the
	// captured failure, re-raised on Get.
	StateErrored
	// StateSpilled means the shared store moved the bytes to disk under
	// memory pressure.
	StateSpilled
	// StateFreed means the reference count reached zero and all backing
	// storage was released.
	StateFreed
)

// String returns a string representation of the entry state
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProcess:
		return "in_process"
	case StatePromoted:
		return "promoted"
	case StateErrored:
		return "errored"
	case StateSpilled:
		return "spilled"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// terminalValue reports whether the state carries a resolvable value.
func (s State) terminalValue() bool {
	return s == StateInProcess || s == StatePromoted || s == StateErrored || s == StateSpilled
}

// entry is one in-process table slot. The ready channel is closed exactly
// once, when the entry leaves Pending.
type entry struct {
	mu    sync.Mutex
	id    types.ObjectID
	state State

	data    []byte // serialized value for StateInProcess
	size    int
	userErr string // captured failure message for StateErrored
	failure error  // sentinel re-raised on Get for StateErrored

	ready chan struct{}
}

func newEntry(id types.ObjectID) *entry {
	return &entry{
		id:    id,
		state: StatePending,
		ready: make(chan struct{}),
	}
}

// snapshot returns a consistent view of the entry.
func (e *entry) snapshot() (State, []byte, int, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.data, e.size, e.userErr, e.failure
}

// fulfill transitions Pending -> next and publishes the value. Fulfilling a
// non-pending entry is a no-op: a cancelled invocation may still complete and
// write into a discarded slot, which must be harmless.
func (e *entry) fulfill(next State, data []byte, size int, userErr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePending {
		return false
	}
	e.state = next
	e.data = data
	e.size = size
	e.userErr = userErr
	close(e.ready)
	return true
}

// fail transitions Pending -> Errored with an explicit sentinel, used for
// system failures (lost workers, terminated actors) rather than user errors.
func (e *entry) fail(sentinel error, msg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePending {
		return false
	}
	e.state = StateErrored
	e.userErr = msg
	e.failure = sentinel
	close(e.ready)
	return true
}

// promote moves an in-process entry to the shared tier: the local bytes are
// dropped and the entry becomes a placeholder. The caller has already written
// the bytes into the shared store.
func (e *entry) promote() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProcess {
		return false
	}
	e.state = StatePromoted
	e.data = nil
	return true
}

// free releases the entry's backing bytes. Forward-only: freed entries stay
// freed.
func (e *entry) free() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateFreed {
		return
	}
	wasPending := e.state == StatePending
	e.state = StateFreed
	e.data = nil
	if wasPending {
		// Unblock waiters; they observe StateFreed.
		close(e.ready)
	}
}
