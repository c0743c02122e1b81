package store

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/taskmesh/codec"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/ownership"
	"github.com/c360/taskmesh/pkg/retry"
	"github.com/c360/taskmesh/transport"
	"github.com/c360/taskmesh/types"
)

// Resolver locates the owner's store for an ObjectID when the owner lives in
// this process (same node, or another node of a single-process cluster). It
// returns nil when the owner is remote.
type Resolver func(owner types.WorkerID) *Store

// NodeLocator maps a worker to the node hosting it. Borrowers that cannot
// reach an owner in-process use it to ask the owner's node directly when no
// location hints are known yet.
type NodeLocator func(worker types.WorkerID) (types.NodeID, bool)

// Store is one worker's view of the object store: its private in-process
// table, the node-shared store, and the fetch path to other nodes.
type Store struct {
	owner  types.WorkerID
	node   types.NodeID
	minter *types.Minter
	codec  codec.Codec
	table  *ownership.Table
	shared *NodeStore
	trans  transport.Transport
	logger *slog.Logger

	resolve Resolver
	locate  NodeLocator
	metrics *metric.Metrics

	threshold  int
	fetchRetry retry.Config
	hintWait   time.Duration

	mu      sync.RWMutex
	entries map[types.ObjectID]*entry
}

// NewStore creates a worker store.
func NewStore(
	owner types.WorkerID,
	node types.NodeID,
	cfg Config,
	cdc codec.Codec,
	table *ownership.Table,
	shared *NodeStore,
	trans transport.Transport,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		owner:      owner,
		node:       node,
		minter:     types.NewMinter(owner),
		codec:      cdc,
		table:      table,
		shared:     shared,
		trans:      trans,
		logger:     logger,
		metrics:    metrics,
		threshold:  cfg.PromotionThreshold,
		fetchRetry: cfg.FetchRetry,
		hintWait:   cfg.HintWait,
		entries:    make(map[types.ObjectID]*entry),
	}
	if s.hintWait <= 0 {
		s.hintWait = DefaultHintWait
	}
	table.OnFree(s.freeOwned)
	return s, nil
}

// SetResolver wires same-process owner lookup. Called once during runtime
// assembly, before any traffic.
func (s *Store) SetResolver(r Resolver) {
	s.resolve = r
}

// SetNodeLocator wires worker-to-node placement lookup for the remote fetch
// path. Called once during runtime assembly, before any traffic.
func (s *Store) SetNodeLocator(l NodeLocator) {
	s.locate = l
}

// Owner returns the owning worker's id.
func (s *Store) Owner() types.WorkerID { return s.owner }

// Node returns the node this store's worker runs on.
func (s *Store) Node() types.NodeID { return s.node }

// Table returns the worker's ownership table.
func (s *Store) Table() *ownership.Table { return s.table }

// Put serializes a value, registers ownership, and stores it: small payloads
// go to the in-process table, large ones are promoted to the node-shared
// store with a local placeholder.
func (s *Store) Put(ctx context.Context, v any) (types.ObjectID, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return types.ObjectID{}, errors.WrapInvalid(err, "Store", "Put", "serialize value")
	}

	id := s.minter.Mint()
	if err := s.table.Register(id); err != nil {
		return types.ObjectID{}, err
	}

	e := newEntry(id)
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	if err := s.fulfillBytes(ctx, e, data); err != nil {
		return types.ObjectID{}, err
	}
	return id, nil
}

// CreateResultSlot mints and registers a Pending ObjectID for a task's
// declared return slot. The value arrives later via Fulfill or FulfillError.
func (s *Store) CreateResultSlot() (types.ObjectID, error) {
	id := s.minter.Mint()
	if err := s.table.Register(id); err != nil {
		return types.ObjectID{}, err
	}
	s.mu.Lock()
	s.entries[id] = newEntry(id)
	s.mu.Unlock()
	return id, nil
}

// Fulfill publishes a produced value into a result slot. Fulfilling an
// unknown or already-freed slot is a harmless no-op: the producing invocation
// may have been cancelled after its slot was discarded.
func (s *Store) Fulfill(ctx context.Context, id types.ObjectID, v any) error {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Fulfill", "serialize result")
	}

	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return nil
	}
	return s.fulfillBytes(ctx, e, data)
}

// FulfillError records a captured user failure as the slot's value. Get on
// the id re-raises the failure.
func (s *Store) FulfillError(id types.ObjectID, userErr string) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return
	}
	e.fulfill(StateErrored, nil, 0, userErr)
}

// FulfillFailure records a system failure (a lost worker, a terminated actor)
// as the slot's outcome. Get on the id re-raises the given sentinel.
func (s *Store) FulfillFailure(id types.ObjectID, sentinel error, msg string) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return
	}
	e.fail(sentinel, msg)
}

func (s *Store) fulfillBytes(_ context.Context, e *entry, data []byte) error {
	if len(data) <= s.threshold {
		if e.fulfill(StateInProcess, data, len(data), "") && s.metrics != nil {
			s.metrics.ObjectsStored.WithLabelValues("inprocess").Inc()
		}
		return nil
	}

	// Promote: bytes go to the shared region, the local entry becomes a
	// placeholder, and this node is recorded as a location hint.
	if err := s.shared.Put(e.id, data); err != nil {
		return err
	}
	if e.fulfill(StatePromoted, nil, len(data), "") {
		s.table.AddLocation(e.id, s.node)
	}
	return nil
}

// Get resolves an ObjectID into out (a pointer), blocking until the value is
// available or ctx's deadline elapses. Timeout surfaces ErrTimeout without
// cancelling the producing invocation.
func (s *Store) Get(ctx context.Context, id types.ObjectID, out any) error {
	start := time.Now()
	err := s.get(ctx, id, out)
	if s.metrics != nil {
		outcome := "ok"
		switch {
		case stderrors.Is(err, errors.ErrTimeout):
			outcome = "timeout"
		case err != nil:
			outcome = "error"
		}
		s.metrics.GetDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return err
}

// GetTimeout is Get with an explicit deadline.
func (s *Store) GetTimeout(id types.ObjectID, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Get(ctx, id, out)
}

func (s *Store) get(ctx context.Context, id types.ObjectID, out any) error {
	data, err := s.GetBytes(ctx, id)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return s.codec.Unmarshal(data, out)
}

// GetBytes resolves an ObjectID to its serialized form.
func (s *Store) GetBytes(ctx context.Context, id types.ObjectID) ([]byte, error) {
	// Local entry: owned objects, result slots, and cached placeholders.
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if exists {
		return s.resolveEntry(ctx, e, s.shared)
	}

	// Same-process owner: serve from its table (zero-copy on the same node).
	if s.resolve != nil {
		if ownerStore := s.resolve(id.Owner); ownerStore != nil && ownerStore != s {
			return s.resolveFromOwner(ctx, id, ownerStore)
		}
	}

	// Remote owner: chase the location hints over the transport.
	return s.fetchRemote(ctx, id)
}

// resolveEntry waits for a local entry to leave Pending and serves its value.
func (s *Store) resolveEntry(ctx context.Context, e *entry, shared *NodeStore) ([]byte, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, s.timeoutErr(ctx, e.id)
	}

	state, data, _, userErr, failure := e.snapshot()
	switch state {
	case StateInProcess:
		if s.metrics != nil {
			s.metrics.FetchesTotal.WithLabelValues("inprocess").Inc()
		}
		return data, nil
	case StateErrored:
		if failure != nil {
			return nil, errors.Wrap(failure, "Store", "Get", userErr)
		}
		return nil, errors.Wrap(errors.ErrUserError, "Store", "Get", userErr)
	case StatePromoted, StateSpilled:
		if shared == s.shared || shared.Node() == s.node {
			return shared.Get(e.id)
		}
		// Owner's bytes live on another node's shared store.
		return s.fetchRemote(ctx, e.id)
	case StateFreed:
		return nil, errors.Wrap(errors.ErrObjectUnavailable, "Store", "Get", "object freed "+e.id.String())
	default:
		return nil, errors.Wrap(errors.ErrObjectUnavailable, "Store", "Get", "unresolvable state "+state.String())
	}
}

// resolveFromOwner serves a borrow through the owner's in-process bookkeeping.
func (s *Store) resolveFromOwner(ctx context.Context, id types.ObjectID, ownerStore *Store) ([]byte, error) {
	ownerStore.mu.RLock()
	e, exists := ownerStore.entries[id]
	ownerStore.mu.RUnlock()
	if !exists {
		// Owner no longer tracks it; the shared store may still.
		if s.shared.Contains(id) {
			return s.shared.Get(id)
		}
		return s.fetchRemote(ctx, id)
	}
	return s.resolveEntry(ctx, e, ownerStore.shared)
}

// ServeFetch serves an owned object's bytes to a remote borrower. The first
// remote request for a small in-process value promotes it to the shared tier,
// so the copy is advertised and later borrowers find it through the hints.
func (s *Store) ServeFetch(id types.ObjectID) ([]byte, bool) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		data, err := s.shared.Get(id)
		return data, err == nil
	}

	state, data, _, _, _ := e.snapshot()
	switch state {
	case StateInProcess:
		if err := s.shared.Put(id, data); err != nil {
			s.logger.Warn("promotion on remote request failed", "object", id.String(), "error", err)
			return nil, false
		}
		if e.promote() {
			s.table.AddLocation(id, s.node)
		}
		return data, true
	case StatePromoted, StateSpilled:
		d, err := s.shared.Get(id)
		return d, err == nil
	default:
		// Pending values are not served; the borrower keeps polling until
		// its bound. Errored and freed slots have no bytes to serve.
		return nil, false
	}
}

// fetchRemote chases location hints over the transport, caching the bytes in
// this node's shared store on success and advertising the new copy. Without
// hints the owner's node is asked directly, since in-process values are only
// advertised once a remote request promotes them.
func (s *Store) fetchRemote(ctx context.Context, id types.ObjectID) ([]byte, error) {
	if s.shared.Contains(id) {
		return s.shared.Get(id)
	}

	var hintDeadline <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timer := time.NewTimer(s.hintWait)
		defer timer.Stop()
		hintDeadline = timer.C
	}

	for {
		hints := s.table.Locations(id)
		if ownerTable := s.ownerTable(id); ownerTable != nil {
			hints = ownerTable.Locations(id)
		}
		advertised := len(hints) > 0
		if !advertised {
			if node, ok := s.locateOwner(id.Owner); ok {
				hints = []types.NodeID{node}
			}
		}

		for _, node := range s.orderHints(hints) {
			data, err := retry.DoWithResult(ctx, s.fetchRetry, func() ([]byte, error) {
				return s.trans.Fetch(ctx, node, id)
			})
			if err != nil {
				s.logger.Debug("remote fetch failed", "object", id.String(), "node", node, "error", err)
				continue
			}
			// Cache locally; the copy becomes a new location hint.
			if err := s.shared.Put(id, data); err != nil {
				return nil, err
			}
			if ownerTable := s.ownerTable(id); ownerTable != nil {
				ownerTable.AddLocation(id, s.node)
			}
			if s.metrics != nil {
				s.metrics.FetchesTotal.WithLabelValues("remote").Inc()
			}
			return data, nil
		}

		// Every advertised hint was tried with bounded retries and failed.
		if advertised {
			return nil, errors.Wrap(errors.ErrObjectUnavailable, "Store", "Get",
				"all location hints exhausted for "+id.String())
		}

		// No hints yet: the value may still be produced. Wait for the
		// caller's deadline, or the hint bound when there is none.
		select {
		case <-ctx.Done():
			return nil, s.timeoutErr(ctx, id)
		case <-hintDeadline:
			return nil, errors.Wrap(errors.ErrObjectUnavailable, "Store", "Get",
				"no known location for "+id.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// locateOwner maps an object's owner to a reachable node. Local owners are
// excluded: their misses are answered by the local tables, not the transport.
func (s *Store) locateOwner(owner types.WorkerID) (types.NodeID, bool) {
	if owner == s.owner || s.locate == nil {
		return "", false
	}
	node, ok := s.locate(owner)
	if !ok || node == s.node {
		return "", false
	}
	return node, true
}

// ownerTable returns the ownership table for the id's owner when reachable in
// this process.
func (s *Store) ownerTable(id types.ObjectID) *ownership.Table {
	if id.Owner == s.owner {
		return s.table
	}
	if s.resolve == nil {
		return nil
	}
	if ownerStore := s.resolve(id.Owner); ownerStore != nil {
		return ownerStore.table
	}
	return nil
}

// orderHints applies the data-locality tie-break: same node first, the rest
// in hint order (fewest hops, then load, decided by the hint publisher).
func (s *Store) orderHints(hints []types.NodeID) []types.NodeID {
	out := make([]types.NodeID, 0, len(hints))
	for _, h := range hints {
		if h == s.node {
			out = append(out, h)
		}
	}
	for _, h := range hints {
		if h != s.node {
			out = append(out, h)
		}
	}
	return out
}

// GetAll resolves a batch concurrently, all-or-timeout, preserving input
// order in outs. Partial progress is not observable.
func (s *Store) GetAll(ctx context.Context, ids []types.ObjectID, outs []any) error {
	if len(ids) != len(outs) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Store", "GetAll", "ids/outs length mismatch")
	}

	// Resolve into private buffers first; outs observe either every value or
	// none of them.
	datas := make([][]byte, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			datas[i], errs[i] = s.GetBytes(ctx, ids[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for i, out := range outs {
		if out == nil {
			continue
		}
		if err := s.codec.Unmarshal(datas[i], out); err != nil {
			return err
		}
	}
	return nil
}

// Free releases local and shared backing storage for an object whose
// references dropped to zero. Safe to call for unknown ids.
func (s *Store) Free(id types.ObjectID) {
	s.mu.Lock()
	e, exists := s.entries[id]
	if exists {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if exists {
		e.free()
	}
	s.shared.Free(id)
}

// freeOwned is the ownership table's free sink: local storage is released and
// every remote node holding a cached copy is told to drop it.
func (s *Store) freeOwned(id types.ObjectID, locations []types.NodeID) {
	s.Free(id)

	for _, node := range locations {
		if node == s.node {
			continue
		}
		go func(node types.NodeID) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.trans.Send(ctx, node, transport.FreePayload(id)); err != nil {
				s.logger.Debug("free notification failed",
					"object", id.String(), "node", node, "error", err)
			}
		}(node)
	}
}

// Contains reports whether the worker's in-process table tracks the id.
func (s *Store) Contains(id types.ObjectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[id]
	return exists
}

// Len reports the number of tracked in-process entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EntryState reports the id's lifecycle state, and whether it is tracked.
func (s *Store) EntryState(id types.ObjectID) (State, bool) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return StateFreed, false
	}
	state, _, _, _, _ := e.snapshot()
	if state == StatePromoted && s.shared.Spilled(id) {
		return StateSpilled, true
	}
	return state, true
}

func (s *Store) timeoutErr(ctx context.Context, id types.ObjectID) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, "Store", "Get", "object "+id.String())
	}
	return errors.WrapTransient(ctx.Err(), "Store", "Get", "wait for object "+id.String())
}
