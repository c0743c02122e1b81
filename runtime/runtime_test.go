package runtime

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/actor"
	"github.com/c360/taskmesh/config"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/executor"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cluster.Name = "test"
	cfg.Cluster.Nodes = []config.NodeConfig{
		{ID: "node-a", Workers: []config.WorkerConfig{
			{ID: "w1", Resources: map[string]float64{types.ResourceCPU: 2}},
			{ID: "w2", Resources: map[string]float64{types.ResourceCPU: 2}},
		}},
		{ID: "node-b", Workers: []config.WorkerConfig{
			{ID: "w3", Resources: map[string]float64{types.ResourceCPU: 2}},
		}},
	}
	cfg.Store.SpillDir = t.TempDir()
	cfg.Logging.Level = "error"
	return cfg
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestPutGet_Roundtrip(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	id, err := rt.Put(ctx, []int64{23, 42, 93})
	require.NoError(t, err)

	var out []int64
	require.NoError(t, rt.Get(ctx, id, &out))
	assert.Equal(t, []int64{23, 42, 93}, out)

	// Re-reads return identical values.
	var again []int64
	require.NoError(t, rt.Get(ctx, id, &again))
	assert.Equal(t, out, again)
}

func TestGetAll_PreservesOrder(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	ids := make([]types.ObjectID, 10)
	for i := range ids {
		id, err := rt.Put(ctx, int64(i))
		require.NoError(t, err)
		ids[i] = id
	}

	outs := make([]any, 10)
	values := make([]int64, 10)
	for i := range outs {
		outs[i] = &values[i]
	}
	require.NoError(t, rt.GetAll(ctx, ids, outs))
	for i, v := range values {
		assert.Equal(t, int64(i), v)
	}
}

func TestCall_TaskRoundtrip(t *testing.T) {
	rt := newRuntime(t)

	require.NoError(t, rt.Registry().RegisterTask("double", func(_ context.Context, args []any) (any, error) {
		return args[0].(int64) * 2, nil
	}))

	results, err := rt.Call("double", []types.Arg{types.ValueArg(int64(21))})
	require.NoError(t, err)
	require.Len(t, results, 1)

	var out int64
	require.NoError(t, rt.GetTimeout(results[0], 2*time.Second, &out))
	assert.Equal(t, int64(42), out)
}

func TestCall_MapReducePipeline(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Registry().RegisterTask("double", func(_ context.Context, args []any) (any, error) {
		return args[0].(int64) * 2, nil
	}))
	require.NoError(t, rt.Registry().RegisterTask("sum", func(_ context.Context, args []any) (any, error) {
		var total int64
		for _, v := range args {
			total += v.(int64)
		}
		return total, nil
	}))

	// Map stage: double 0..99 via tasks fed from stored inputs.
	mapped := make([]types.ObjectID, 0, 100)
	for i := 0; i < 100; i++ {
		in, err := rt.Put(ctx, int64(i))
		require.NoError(t, err)
		out, err := rt.Call("double", []types.Arg{types.RefArg(in)})
		require.NoError(t, err)
		mapped = append(mapped, out[0])
	}

	// Reduce stage: two partial sums feeding a final sum. The reduce args
	// are result references, so reduction waits on the map stage.
	firstHalf := make([]types.Arg, 50)
	secondHalf := make([]types.Arg, 50)
	for i := 0; i < 50; i++ {
		firstHalf[i] = types.RefArg(mapped[i])
		secondHalf[i] = types.RefArg(mapped[50+i])
	}
	p1, err := rt.Call("sum", firstHalf)
	require.NoError(t, err)
	p2, err := rt.Call("sum", secondHalf)
	require.NoError(t, err)
	final, err := rt.Call("sum", []types.Arg{types.RefArg(p1[0]), types.RefArg(p2[0])})
	require.NoError(t, err)

	var total int64
	require.NoError(t, rt.GetTimeout(final[0], 10*time.Second, &total))
	// sum(2*i for i in 0..99)
	assert.Equal(t, int64(9900), total)
}

func TestGet_TimeoutThenLateResult(t *testing.T) {
	rt := newRuntime(t)

	require.NoError(t, rt.Registry().RegisterTask("slow", func(_ context.Context, _ []any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return int64(1), nil
	}))

	results, err := rt.Call("slow", nil)
	require.NoError(t, err)

	// The deadline elapses before the task finishes; the task itself is not
	// cancelled and its result lands afterwards.
	err = rt.GetTimeout(results[0], 50*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTimeout))

	var out int64
	require.NoError(t, rt.GetTimeout(results[0], 2*time.Second, &out))
	assert.Equal(t, int64(1), out)
}

func TestCall_ResourceExhaustedFastFail(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Call("anything", nil,
		WithResources(types.ResourceMap{types.ResourceCPU: 64}))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrResourceExhausted))
}

func TestCall_RejectedSubmissionReleasesResultSlots(t *testing.T) {
	rt := newRuntime(t)
	driver := rt.driver()
	before := driver.Len()

	_, err := rt.Call("anything", nil,
		WithResources(types.ResourceMap{types.ResourceCPU: 64}), WithNumResults(3))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrResourceExhausted))

	// The pre-minted result slots and their ownership records go through the
	// normal free path; nothing stays tracked.
	require.Eventually(t, func() bool { return driver.Len() == before },
		2*time.Second, 10*time.Millisecond)
}

func TestCallActor_RejectedSubmissionReleasesResultSlot(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	rt.Registry().RegisterActor("holder", executor.ActorClass{
		New: func(_ context.Context, _ []any) (any, error) { return struct{}{}, nil },
		Methods: map[string]executor.MethodFunc{
			"ping": func(_ context.Context, _ any, _ []any) (any, error) { return "pong", nil },
		},
	})
	h, err := rt.CreateActor("holder", nil)
	require.NoError(t, err)
	require.NoError(t, rt.WaitActor(ctx, h))
	rt.TerminateActor(h)

	driver := rt.driver()
	before := driver.Len()

	_, err = rt.CallActor(h, "ping", nil)
	require.Error(t, err)
	require.Eventually(t, func() bool { return driver.Len() == before },
		2*time.Second, 10*time.Millisecond)
}

func TestKillWorker_IdempotentTaskRecovers(t *testing.T) {
	rt := newRuntime(t)

	started := make(chan types.WorkerID, 8)
	require.NoError(t, rt.Registry().RegisterTask("slow", func(_ context.Context, args []any) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return int64(5), nil
	}))

	// Saturate w1 and w2, then kill one mid-flight.
	var results []types.ObjectID
	for i := 0; i < 4; i++ {
		out, err := rt.Call("slow", nil, WithResources(types.ResourceMap{types.ResourceCPU: 2}))
		require.NoError(t, err)
		results = append(results, out[0])
	}
	_ = started

	time.Sleep(20 * time.Millisecond)
	rt.KillWorker("w1")

	for _, id := range results {
		var out int64
		require.NoError(t, rt.GetTimeout(id, 5*time.Second, &out))
		assert.Equal(t, int64(5), out)
	}
	assert.Len(t, rt.Workers(), 2)
}

func TestKillWorker_NonIdempotentSurfacesLoss(t *testing.T) {
	rt := newRuntime(t)

	block := make(chan struct{})
	require.NoError(t, rt.Registry().RegisterTask("blocked", func(_ context.Context, _ []any) (any, error) {
		<-block
		return nil, nil
	}))
	defer close(block)

	out, err := rt.Call("blocked", nil,
		WithResources(types.ResourceMap{types.ResourceCPU: 2}), WithNonIdempotent())
	require.NoError(t, err)
	lost := out[0]

	time.Sleep(20 * time.Millisecond)
	// Kill every worker so the invocation is certainly on a dead one.
	rt.KillWorker("w1")
	rt.KillWorker("w2")
	rt.KillWorker("w3")

	getErr := rt.GetTimeout(lost, 2*time.Second, nil)
	require.Error(t, getErr)
	assert.True(t, stderrors.Is(getErr, errors.ErrWorkerLost))
}

func TestActor_EndToEnd(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	rt.Registry().RegisterActor("counter", executor.ActorClass{
		New: func(_ context.Context, args []any) (any, error) {
			total := int64(0)
			if len(args) > 0 {
				total = args[0].(int64)
			}
			return &total, nil
		},
		Methods: map[string]executor.MethodFunc{
			"add": func(_ context.Context, state any, args []any) (any, error) {
				total := state.(*int64)
				*total += args[0].(int64)
				return *total, nil
			},
		},
	})

	h, err := rt.CreateActor("counter", []types.Arg{types.ValueArg(int64(100))})
	require.NoError(t, err)
	require.NoError(t, rt.WaitActor(ctx, h))

	// Submission order is observation order.
	slots := make([]types.ObjectID, 5)
	for i := range slots {
		slot, err := rt.CallActor(h, "add", []types.Arg{types.ValueArg(int64(1))})
		require.NoError(t, err)
		slots[i] = slot
	}
	for i, slot := range slots {
		var total int64
		require.NoError(t, rt.GetTimeout(slot, 2*time.Second, &total))
		assert.Equal(t, int64(101+i), total)
	}

	rt.TerminateActor(h)
	_, err = rt.CallActor(h, "add", []types.Arg{types.ValueArg(int64(1))})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrActorUnavailable))
}

func TestActorPool_ThroughRuntimeCaller(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	rt.Registry().RegisterActor("accum", executor.ActorClass{
		New: func(_ context.Context, _ []any) (any, error) {
			total := int64(0)
			return &total, nil
		},
		Methods: map[string]executor.MethodFunc{
			"add": func(_ context.Context, state any, args []any) (any, error) {
				total := state.(*int64)
				*total += args[0].(int64)
				return *total, nil
			},
		},
	})

	handles := make([]*actor.Handle, 2)
	for i := range handles {
		h, err := rt.CreateActor("accum", nil)
		require.NoError(t, err)
		require.NoError(t, rt.WaitActor(ctx, h))
		handles[i] = h
	}

	pool, err := actor.NewPool(handles, 16, rt.ActorCaller())
	require.NoError(t, err)
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit("add", []types.Arg{types.ValueArg(int64(1))}))
	}

	var sum int64
	for pool.HasNext() {
		slot, err := pool.GetNext(ctx)
		require.NoError(t, err)
		var v int64
		require.NoError(t, rt.GetTimeout(slot, 2*time.Second, &v))
		sum += 1 // each collected result is one applied increment
		assert.Positive(t, v)
	}
	assert.Equal(t, int64(6), sum)
	require.NoError(t, pool.Stop(2*time.Second))
}

func TestActor_WorkerLossTerminates(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	rt.Registry().RegisterActor("holder", executor.ActorClass{
		New: func(_ context.Context, _ []any) (any, error) { return struct{}{}, nil },
		Methods: map[string]executor.MethodFunc{
			"ping": func(_ context.Context, _ any, _ []any) (any, error) { return "pong", nil },
		},
	})

	h, err := rt.CreateActor("holder", nil)
	require.NoError(t, err)
	require.NoError(t, rt.WaitActor(ctx, h))

	rt.KillWorker(h.Worker)

	status, _ := rt.ActorStatus(h)
	assert.Equal(t, actor.StatusTerminated, status)

	_, err = rt.CallActor(h, "ping", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrActorUnavailable))
}

func TestReferenceCounting_ReleaseFrees(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	id, err := rt.Put(ctx, int64(7))
	require.NoError(t, err)

	// An extra reference keeps the object past the creator's release.
	require.NoError(t, rt.Acquire(id))
	require.NoError(t, rt.Release(id)) // creator's reference
	var out int64
	require.NoError(t, rt.Get(ctx, id, &out))
	assert.Equal(t, int64(7), out)

	require.NoError(t, rt.Release(id)) // last reference

	// Freeing is asynchronous; the object becomes unavailable.
	assert.Eventually(t, func() bool {
		err := rt.GetTimeout(id, 20*time.Millisecond, nil)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWithRef_ScopedAcquisition(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	id, err := rt.Put(ctx, int64(7))
	require.NoError(t, err)

	called := false
	require.NoError(t, rt.WithRef(id, func() error {
		called = true
		var out int64
		return rt.Get(ctx, id, &out)
	}))
	assert.True(t, called)
}

func TestAddWorker_GrowsCluster(t *testing.T) {
	rt := newRuntime(t)

	require.NoError(t, rt.AddWorker(types.WorkerInfo{
		ID: "w4", Node: "node-c",
		Resources: types.ResourceMap{types.ResourceCPU: 8},
	}))
	assert.Len(t, rt.Workers(), 4)

	// The new capacity is schedulable.
	require.NoError(t, rt.Registry().RegisterTask("big", func(_ context.Context, _ []any) (any, error) {
		return int64(1), nil
	}))
	out, err := rt.Call("big", nil, WithResources(types.ResourceMap{types.ResourceCPU: 8}))
	require.NoError(t, err)
	var v int64
	require.NoError(t, rt.GetTimeout(out[0], 2*time.Second, &v))
}

func TestLargeObject_PromotedAndFetchedAcrossNodes(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	big := make([]byte, 2*store.DefaultPromotionThreshold)
	for i := range big {
		big[i] = byte(i % 251)
	}
	id, err := rt.Put(ctx, big)
	require.NoError(t, err)

	// A task on any worker resolves the promoted object by reference; on
	// node-b this exercises the transport fetch path.
	require.NoError(t, rt.Registry().RegisterTask("length", func(_ context.Context, args []any) (any, error) {
		return int64(len(args[0].([]byte))), nil
	}))
	out, err := rt.Call("length", []types.Arg{types.RefArg(id)},
		WithResources(types.ResourceMap{types.ResourceCPU: 2}))
	require.NoError(t, err)

	var n int64
	require.NoError(t, rt.GetTimeout(out[0], 5*time.Second, &n))
	assert.Equal(t, int64(len(big)), n)
}

func TestRuntime_MetricsWired(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	cfg := testConfig(t)
	rt, err := New(cfg, WithMetricsRegistry(reg))
	require.NoError(t, err)
	defer rt.Shutdown()

	ctx := context.Background()
	_, err = rt.Put(ctx, int64(1))
	require.NoError(t, err)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["taskmesh_store_objects_stored_total"])
}

func TestShutdown_Idempotent(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	rt.Shutdown()
	rt.Shutdown()
}
