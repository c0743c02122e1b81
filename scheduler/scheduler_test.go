package scheduler

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stderrors "errors"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// dispatchRecorder collects placements for assertions.
type dispatchRecorder struct {
	mu     sync.Mutex
	placed map[types.InvocationID]types.WorkerID
}

func newRecorder() *dispatchRecorder {
	return &dispatchRecorder{placed: make(map[types.InvocationID]types.WorkerID)}
}

func (r *dispatchRecorder) dispatch(inv *types.Invocation, worker types.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed[inv.ID] = worker
}

func (r *dispatchRecorder) workerFor(id types.InvocationID) (types.WorkerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.placed[id]
	return w, ok
}

func (r *dispatchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.placed)
}

func twoWorkers() []types.WorkerInfo {
	return []types.WorkerInfo{
		{ID: "w1", Node: "node-a", Resources: types.ResourceMap{types.ResourceCPU: 2}},
		{ID: "w2", Node: "node-b", Resources: types.ResourceMap{types.ResourceCPU: 2}},
	}
}

func newTestScheduler(locations LocationsFunc) (*Scheduler, *dispatchRecorder) {
	rec := newRecorder()
	s := New(DefaultConfig(), locations, testLogger(), nil)
	s.SetDispatch(rec.dispatch)
	s.UpdateWorkers(twoWorkers())
	return s, rec
}

func inv(cpu float64, args ...types.Arg) *types.Invocation {
	return &types.Invocation{
		ID:        types.NewInvocationID(),
		Function:  "fn",
		Args:      args,
		Resources: types.ResourceMap{types.ResourceCPU: cpu},
	}
}

func TestSubmit_PlacesOnFeasibleWorker(t *testing.T) {
	s, rec := newTestScheduler(nil)

	i := inv(1)
	require.NoError(t, s.Submit(i))

	worker, ok := rec.workerFor(i.ID)
	require.True(t, ok)
	assert.Contains(t, []types.WorkerID{"w1", "w2"}, worker)
}

func TestSubmit_LocalityWins(t *testing.T) {
	minter := types.NewMinter("caller")
	resident := minter.Mint()

	locations := func(id types.ObjectID) []types.NodeID {
		if id == resident {
			return []types.NodeID{"node-b"}
		}
		return nil
	}
	s, rec := newTestScheduler(locations)

	i := inv(1, types.RefArg(resident))
	require.NoError(t, s.Submit(i))

	worker, _ := rec.workerFor(i.ID)
	assert.Equal(t, types.WorkerID("w2"), worker, "argument residency must win placement")
}

func TestSubmit_QueuesWhenBusy(t *testing.T) {
	s, rec := newTestScheduler(nil)

	// Saturate both workers
	a, b := inv(2), inv(2)
	require.NoError(t, s.Submit(a))
	require.NoError(t, s.Submit(b))
	require.Equal(t, 2, rec.count())

	// Third waits
	c := inv(2)
	require.NoError(t, s.Submit(c))
	assert.Equal(t, 1, s.QueueLen())

	// Releasing capacity re-triggers placement
	workerA, _ := rec.workerFor(a.ID)
	s.Release(workerA, a.Resources)

	require.Eventually(t, func() bool {
		_, ok := rec.workerFor(c.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.QueueLen())
}

func TestSubmit_NeverSatisfiableFailsFast(t *testing.T) {
	s, _ := newTestScheduler(nil)

	err := s.Submit(inv(64))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrResourceExhausted))
}

func TestSubmit_QueueBackpressure(t *testing.T) {
	rec := newRecorder()
	cfg := DefaultConfig()
	cfg.QueueLimit = 2
	s := New(cfg, nil, testLogger(), nil)
	s.SetDispatch(rec.dispatch)
	s.UpdateWorkers([]types.WorkerInfo{
		{ID: "w1", Node: "node-a", Resources: types.ResourceMap{types.ResourceCPU: 1}},
	})

	require.NoError(t, s.Submit(inv(1))) // runs
	require.NoError(t, s.Submit(inv(1))) // queued
	require.NoError(t, s.Submit(inv(1))) // queued

	err := s.Submit(inv(1))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrResourceExhausted))
}

func TestUpdateWorkers_NewCapacityDrainsQueue(t *testing.T) {
	rec := newRecorder()
	s := New(DefaultConfig(), nil, testLogger(), nil)
	s.SetDispatch(rec.dispatch)

	// No workers yet: queue, don't fail (workers may join)
	i := inv(1)
	require.NoError(t, s.Submit(i))
	assert.Equal(t, 1, s.QueueLen())

	s.UpdateWorkers(twoWorkers())

	require.Eventually(t, func() bool {
		_, ok := rec.workerFor(i.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestAging_OldInvocationBlocksYoungerInClass(t *testing.T) {
	rec := newRecorder()
	cfg := DefaultConfig()
	cfg.AgingThreshold = 10 * time.Millisecond
	s := New(cfg, nil, testLogger(), nil)
	s.SetDispatch(rec.dispatch)
	s.UpdateWorkers([]types.WorkerInfo{
		{ID: "w1", Node: "node-a", Resources: types.ResourceMap{types.ResourceCPU: 2}},
	})

	// Hold the whole worker
	blocker := inv(2)
	require.NoError(t, s.Submit(blocker))

	// Big task queues and ages
	big := inv(2)
	require.NoError(t, s.Submit(big))
	time.Sleep(20 * time.Millisecond)

	// Small newer task in the same class
	small := inv(1)
	require.NoError(t, s.Submit(small))

	// Free one CPU: small would fit, but the aged big one blocks its class
	s.Release("w1", types.ResourceMap{types.ResourceCPU: 1})
	_, smallPlaced := rec.workerFor(small.ID)
	assert.False(t, smallPlaced, "aged invocation must block younger same-class work")

	// Free the rest: big places, then small
	s.Release("w1", types.ResourceMap{types.ResourceCPU: 1})
	require.Eventually(t, func() bool {
		_, ok := rec.workerFor(big.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestReserve_StickyActorPlacement(t *testing.T) {
	s, rec := newTestScheduler(nil)

	actor := types.NewActorID()
	require.NoError(t, s.Reserve("w1", actor, types.ResourceMap{types.ResourceCPU: 1}))

	// All invocations for the actor route to the pinned worker
	for i := 0; i < 3; i++ {
		call := &types.Invocation{ID: types.NewInvocationID(), Actor: actor}
		require.NoError(t, s.Submit(call))
		worker, _ := rec.workerFor(call.ID)
		assert.Equal(t, types.WorkerID("w1"), worker)
	}

	// Reservation holds capacity: a 2-CPU task no longer fits on w1
	i := inv(2)
	require.NoError(t, s.Submit(i))
	worker, _ := rec.workerFor(i.ID)
	assert.Equal(t, types.WorkerID("w2"), worker)

	s.ReleaseActor(actor, types.ResourceMap{types.ResourceCPU: 1})
	_, pinned := s.PinnedWorker(actor)
	assert.False(t, pinned)

	// Invoking a released actor fails
	err := s.Submit(&types.Invocation{ID: types.NewInvocationID(), Actor: actor})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrActorUnavailable))
}

func TestClose_RejectsSubmissions(t *testing.T) {
	s, _ := newTestScheduler(nil)
	s.Close()
	assert.Error(t, s.Submit(inv(1)))
}
