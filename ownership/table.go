// Package ownership implements per-owner bookkeeping for remote objects:
// distributed reference counts, borrower sets, and location hints.
//
// The owner of an ObjectID is fixed at creation and never changes. An
// object's data may be freed cluster-wide only when every borrower has
// reported it holds no more references and the owner's own count is zero.
package ownership

import (
	"log/slog"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/types"
)

const shardCount = 16

// Record tracks one owned object's references and placement.
type Record struct {
	ID            types.ObjectID
	Owner         types.WorkerID
	Borrowers     map[types.WorkerID]struct{}
	LocalRefCount uint32
	Locations     []types.NodeID
}

func (r *Record) totalRefs() int {
	return int(r.LocalRefCount) + len(r.Borrowers)
}

type shard struct {
	mu      sync.Mutex
	records map[types.ObjectID]*Record
}

// FreeFunc receives asynchronous free notifications once an object's total
// reference count reaches zero. The backing stores drop the object's data in
// response; locations are the hints held at free time, so notifications can
// reach every node caching a copy.
type FreeFunc func(id types.ObjectID, locations []types.NodeID)

// freeNotice snapshots a record at free time. The record is gone from the
// table by the time the notice drains.
type freeNotice struct {
	id        types.ObjectID
	locations []types.NodeID
}

// Table is one owner's ownership table. Records are sharded by ObjectID so
// bookkeeping never funnels through a single lock.
type Table struct {
	owner  types.WorkerID
	logger *slog.Logger
	shards [shardCount]*shard

	freeMu sync.Mutex
	onFree FreeFunc

	notifyCh chan freeNotice
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// NewTable creates a table for the given owner and starts the free
// notification drain.
func NewTable(owner types.WorkerID, logger *slog.Logger) *Table {
	t := &Table{
		owner:    owner,
		logger:   logger,
		notifyCh: make(chan freeNotice, 256),
		done:     make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[types.ObjectID]*Record)}
	}
	go t.drainFrees()
	return t
}

// Owner returns the worker this table belongs to.
func (t *Table) Owner() types.WorkerID {
	return t.owner
}

// OnFree registers the callback invoked asynchronously when an object's
// references drop to zero.
func (t *Table) OnFree(fn FreeFunc) {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	t.onFree = fn
}

func (t *Table) shardFor(id types.ObjectID) *shard {
	// Nonce is uniformly random, so it shards well on its own.
	return t.shards[id.Nonce%shardCount]
}

// Register inserts a record for a freshly minted ObjectID with the creating
// reference counted.
func (t *Table) Register(id types.ObjectID) error {
	if id.Owner != t.owner {
		return errors.WrapInvalid(errors.ErrUnknownObject, "OwnershipTable", "Register",
			"id owned by "+string(id.Owner)+" registered on "+string(t.owner))
	}

	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "OwnershipTable", "Register",
			"duplicate registration of "+id.String())
	}
	s.records[id] = &Record{
		ID:            id,
		Owner:         t.owner,
		Borrowers:     make(map[types.WorkerID]struct{}),
		LocalRefCount: 1,
	}
	return nil
}

// AddLocalRef counts one more owner-side reference.
func (t *Table) AddLocalRef(id types.ObjectID) error {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return t.unknownRef("AddLocalRef", id)
	}
	rec.LocalRefCount++
	return nil
}

// ReleaseLocalRef drops one owner-side reference, freeing the object if it
// was the last reference anywhere.
func (t *Table) ReleaseLocalRef(id types.ObjectID) error {
	s := t.shardFor(id)
	s.mu.Lock()

	rec, exists := s.records[id]
	if !exists {
		s.mu.Unlock()
		return t.unknownRef("ReleaseLocalRef", id)
	}
	if rec.LocalRefCount == 0 {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrObjectFreed, "OwnershipTable", "ReleaseLocalRef",
			"owner refcount already zero for "+id.String())
	}
	rec.LocalRefCount--
	t.maybeFreeLocked(s, rec)
	s.mu.Unlock()
	return nil
}

// AddRef records that a borrower holds the object. Calling it with an unknown
// id signals a protocol violation: the caller is using an ObjectID whose
// owner already freed it.
func (t *Table) AddRef(id types.ObjectID, borrower types.WorkerID) error {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return t.unknownRef("AddRef", id)
	}
	rec.Borrowers[borrower] = struct{}{}
	return nil
}

// RemoveRef records that a borrower dropped its references. Dropping the last
// reference triggers an asynchronous free notification.
func (t *Table) RemoveRef(id types.ObjectID, borrower types.WorkerID) error {
	s := t.shardFor(id)
	s.mu.Lock()

	rec, exists := s.records[id]
	if !exists {
		s.mu.Unlock()
		return t.unknownRef("RemoveRef", id)
	}
	delete(rec.Borrowers, borrower)
	t.maybeFreeLocked(s, rec)
	s.mu.Unlock()
	return nil
}

// maybeFreeLocked removes the record and queues the free notification when no
// references remain. Caller holds the shard lock.
func (t *Table) maybeFreeLocked(s *shard, rec *Record) {
	if rec.totalRefs() > 0 {
		return
	}
	delete(s.records, rec.ID)

	select {
	case t.notifyCh <- freeNotice{id: rec.ID, locations: rec.Locations}:
	case <-t.done:
	}
}

// AddLocation appends a location hint for the object if not already present.
// Unknown ids are ignored: the object may have been freed while a fetch was
// in flight, which must be harmless.
func (t *Table) AddLocation(id types.ObjectID, node types.NodeID) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return
	}
	for _, existing := range rec.Locations {
		if existing == node {
			return
		}
	}
	rec.Locations = append(rec.Locations, node)
}

// Locations returns the ordered location hints for an object.
func (t *Table) Locations(id types.ObjectID) []types.NodeID {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return nil
	}
	out := make([]types.NodeID, len(rec.Locations))
	copy(out, rec.Locations)
	return out
}

// Contains reports whether the table still tracks the object.
func (t *Table) Contains(id types.ObjectID) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.records[id]
	return exists
}

// Refs returns the current total reference count, zero if untracked.
func (t *Table) Refs(id types.ObjectID) int {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[id]
	if !exists {
		return 0
	}
	return rec.totalRefs()
}

func (t *Table) unknownRef(op string, id types.ObjectID) error {
	t.logger.Error("reference operation on unknown object", "op", op, "object", id.String())
	return errors.WrapInvalid(errors.ErrObjectUnavailable, "OwnershipTable", op,
		"unknown object "+id.String())
}

func (t *Table) drainFrees() {
	for {
		select {
		case notice := <-t.notifyCh:
			t.freeMu.Lock()
			fn := t.onFree
			t.freeMu.Unlock()
			if fn != nil {
				fn(notice.id, notice.locations)
			}
		case <-t.done:
			return
		}
	}
}

// Close stops the free notification drain. Pending notifications are dropped;
// the stores treat frees for unknown entries as no-ops.
func (t *Table) Close() {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
}
