// Package types defines the identifier, resource, and invocation types shared
// by every TaskMesh component.
package types

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"
)

// WorkerID identifies a single worker process in the cluster.
type WorkerID string

// NodeID identifies a physical node hosting one or more workers.
type NodeID string

// ActorID identifies an actor instance for its whole lifetime.
type ActorID string

// InvocationID identifies one scheduled execution of a task or actor method.
type InvocationID string

// NewActorID returns a fresh actor identifier.
func NewActorID() ActorID {
	return ActorID("actor-" + uuid.NewString())
}

// NewInvocationID returns a fresh invocation identifier.
func NewInvocationID() InvocationID {
	return InvocationID("inv-" + uuid.NewString())
}

// ObjectID is an opaque, globally unique reference to an immutable remote
// object. It carries the owner's identity, a per-owner monotonic sequence,
// and a random nonce so minting never needs a coordination round-trip.
// ObjectID is a reference, never a container: it holds no data.
//
// ObjectID is comparable and safe to use as a map key.
type ObjectID struct {
	Owner    WorkerID
	Sequence uint64
	Nonce    uint64
}

// IsZero reports whether the ID is the zero value.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// String renders the ID for logs and transport keys.
func (id ObjectID) String() string {
	return fmt.Sprintf("%s/%d/%016x", id.Owner, id.Sequence, id.Nonce)
}

// ParseObjectID parses the wire form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	var owner string
	var seq, nonce uint64
	if _, err := fmt.Sscanf(s, "%[^/]/%d/%x", &owner, &seq, &nonce); err != nil {
		return ObjectID{}, fmt.Errorf("parse object id %q: %w", s, err)
	}
	return ObjectID{Owner: WorkerID(owner), Sequence: seq, Nonce: nonce}, nil
}

// Minter mints collision-free ObjectIDs for one owning worker. The sequence
// is monotonically increasing per owner and the nonce guards against reuse
// across owner restarts.
type Minter struct {
	owner WorkerID
	seq   atomic.Uint64
}

// NewMinter creates a minter for the given owner.
func NewMinter(owner WorkerID) *Minter {
	return &Minter{owner: owner}
}

// Owner returns the worker this minter mints for.
func (m *Minter) Owner() WorkerID {
	return m.owner
}

// Mint returns a new globally unique ObjectID owned by this worker.
func (m *Minter) Mint() ObjectID {
	return ObjectID{
		Owner:    m.owner,
		Sequence: m.seq.Add(1),
		Nonce:    rand.Uint64(),
	}
}
