package executor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/codec"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/ownership"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/transport"
	"github.com/c360/taskmesh/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// rig is a single-node fixture: a caller store (w0, never executes) and two
// executing workers (w1, w2) sharing the node store.
type rig struct {
	exec   *Executor
	reg    *Registry
	caller *store.Store
	stores map[types.WorkerID]*store.Store
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	logger := testLogger()
	cdc := codec.MustCBOR()
	tr := transport.NewLoopback()

	storeCfg := store.DefaultConfig()
	storeCfg.SpillDir = t.TempDir()

	shared, err := store.NewNodeStore("node-a", storeCfg, logger, nil)
	require.NoError(t, err)

	stores := make(map[types.WorkerID]*store.Store)
	for _, id := range []types.WorkerID{"w0", "w1", "w2"} {
		table := ownership.NewTable(id, logger)
		t.Cleanup(table.Close)
		s, err := store.NewStore(id, "node-a", storeCfg, cdc, table, shared, tr, logger, nil)
		require.NoError(t, err)
		stores[id] = s
	}
	resolver := func(owner types.WorkerID) *store.Store { return stores[owner] }
	for _, s := range stores {
		s.SetResolver(resolver)
	}

	reg := NewRegistry()
	exec, err := New(reg, resolver, cfg, logger, nil)
	require.NoError(t, err)
	for _, id := range []types.WorkerID{"w1", "w2"} {
		exec.AddWorker(types.WorkerInfo{
			ID: id, Node: "node-a",
			Resources: types.ResourceMap{types.ResourceCPU: 1},
		})
	}

	return &rig{exec: exec, reg: reg, caller: stores["w0"], stores: stores}
}

func (r *rig) newInvocation(t *testing.T, fn types.FunctionRef, args []types.Arg, results int) *types.Invocation {
	t.Helper()
	inv := &types.Invocation{
		ID:         types.InvocationID(uuid.NewString()),
		Function:   fn,
		Args:       args,
		Resources:  types.ResourceMap{types.ResourceCPU: 1},
		Owner:      r.caller.Owner(),
		Idempotent: true,
	}
	for i := 0; i < results; i++ {
		id, err := r.caller.CreateResultSlot()
		require.NoError(t, err)
		inv.Results = append(inv.Results, id)
	}
	return inv
}

func TestExecute_TaskResultOwnedByCaller(t *testing.T) {
	r := newRig(t, Config{})
	require.NoError(t, r.reg.RegisterTask("double", func(_ context.Context, args []any) (any, error) {
		return args[0].(int64) * 2, nil
	}))

	inv := r.newInvocation(t, "double", []types.Arg{types.ValueArg(int64(21))}, 1)
	r.exec.Dispatch(inv, "w1")

	var out int64
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], time.Second, &out))
	assert.Equal(t, int64(42), out)

	// The result slot is tracked by the caller's table, not the executor's.
	assert.True(t, r.caller.Table().Contains(inv.Results[0]))
}

func TestExecute_RefArgResolvedByValue(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	dep, err := r.caller.Put(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, r.reg.RegisterTask("sum", func(_ context.Context, args []any) (any, error) {
		var total int64
		for _, v := range args[0].([]any) {
			total += v.(int64)
		}
		return total, nil
	}))

	inv := r.newInvocation(t, "sum", []types.Arg{types.RefArg(dep)}, 1)
	r.exec.Dispatch(inv, "w1")

	var out int64
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], time.Second, &out))
	assert.Equal(t, int64(6), out)
}

func TestExecute_NestedRefsPassUntouched(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	dep, err := r.caller.Put(ctx, int64(7))
	require.NoError(t, err)

	var received any
	require.NoError(t, r.reg.RegisterTask("inspect", func(_ context.Context, args []any) (any, error) {
		received = args[0]
		return true, nil
	}))

	// The reference hides inside an inline slice, so it must arrive as the
	// raw id string, not the resolved value.
	inv := r.newInvocation(t, "inspect", []types.Arg{types.ValueArg([]any{dep.String()})}, 1)
	r.exec.Dispatch(inv, "w1")

	var out bool
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], time.Second, &out))
	assert.Equal(t, []any{dep.String()}, received)
}

func TestExecute_RefArgWaitsForFulfillment(t *testing.T) {
	r := newRig(t, Config{})

	slot, err := r.caller.CreateResultSlot()
	require.NoError(t, err)

	require.NoError(t, r.reg.RegisterTask("echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}))

	inv := r.newInvocation(t, "echo", []types.Arg{types.RefArg(slot)}, 1)
	r.exec.Dispatch(inv, "w1")

	// The dependency is still pending, so the invocation blocks on w1.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.caller.Fulfill(context.Background(), slot, int64(99)))

	var out int64
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], time.Second, &out))
	assert.Equal(t, int64(99), out)
}

func TestExecute_UserErrorReRaisedOnGet(t *testing.T) {
	r := newRig(t, Config{})
	require.NoError(t, r.reg.RegisterTask("fail", func(_ context.Context, _ []any) (any, error) {
		return nil, stderrors.New("division by zero")
	}))

	inv := r.newInvocation(t, "fail", nil, 1)
	r.exec.Dispatch(inv, "w1")

	var out any
	err := r.caller.GetTimeout(inv.Results[0], time.Second, &out)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUserError))
	assert.Contains(t, err.Error(), "division by zero")
}

func TestExecute_PanicBecomesUserError(t *testing.T) {
	r := newRig(t, Config{})
	require.NoError(t, r.reg.RegisterTask("boom", func(_ context.Context, _ []any) (any, error) {
		panic("index out of range")
	}))

	inv := r.newInvocation(t, "boom", nil, 1)
	r.exec.Dispatch(inv, "w1")

	err := r.caller.GetTimeout(inv.Results[0], time.Second, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUserError))
	assert.Contains(t, err.Error(), "index out of range")

	// The worker survives a user panic and keeps executing.
	require.NoError(t, r.reg.RegisterTask("after", func(_ context.Context, _ []any) (any, error) {
		return int64(1), nil
	}))
	next := r.newInvocation(t, "after", nil, 1)
	r.exec.Dispatch(next, "w1")
	var out int64
	require.NoError(t, r.caller.GetTimeout(next.Results[0], time.Second, &out))
}

func TestExecute_UnknownFunction(t *testing.T) {
	r := newRig(t, Config{})

	inv := r.newInvocation(t, "missing", nil, 1)
	r.exec.Dispatch(inv, "w1")

	err := r.caller.GetTimeout(inv.Results[0], time.Second, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUserError))
	assert.Contains(t, err.Error(), "unregistered function")
}

func TestExecute_ErroredDependencyPropagates(t *testing.T) {
	r := newRig(t, Config{})

	dep, err := r.caller.CreateResultSlot()
	require.NoError(t, err)
	r.caller.FulfillError(dep, "upstream failed")

	require.NoError(t, r.reg.RegisterTask("echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}))

	inv := r.newInvocation(t, "echo", []types.Arg{types.RefArg(dep)}, 1)
	r.exec.Dispatch(inv, "w1")

	getErr := r.caller.GetTimeout(inv.Results[0], time.Second, nil)
	require.Error(t, getErr)
	assert.True(t, stderrors.Is(getErr, errors.ErrUserError))
	assert.Contains(t, getErr.Error(), "upstream failed")
}

func TestExecute_MultiResult(t *testing.T) {
	r := newRig(t, Config{})
	require.NoError(t, r.reg.RegisterTask("divmod", func(_ context.Context, args []any) (any, error) {
		a, b := args[0].(int64), args[1].(int64)
		return []any{a / b, a % b}, nil
	}))

	inv := r.newInvocation(t, "divmod",
		[]types.Arg{types.ValueArg(int64(17)), types.ValueArg(int64(5))}, 2)
	r.exec.Dispatch(inv, "w1")

	var q, m int64
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], time.Second, &q))
	require.NoError(t, r.caller.GetTimeout(inv.Results[1], time.Second, &m))
	assert.Equal(t, int64(3), q)
	assert.Equal(t, int64(2), m)
}

func TestKillWorker_IdempotentResubmitted(t *testing.T) {
	r := newRig(t, Config{})

	// Lost work re-enters through this hook; steer every retry to w2.
	r.exec.SetResubmit(func(inv *types.Invocation) {
		r.exec.Dispatch(inv, "w2")
	})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, r.reg.RegisterTask("slow", func(_ context.Context, _ []any) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-time.After(50 * time.Millisecond):
		}
		return int64(7), nil
	}))

	inv := r.newInvocation(t, "slow", nil, 1)
	r.exec.Dispatch(inv, "w1")

	<-started
	r.exec.KillWorker("w1")
	close(release)

	var out int64
	require.NoError(t, r.caller.GetTimeout(inv.Results[0], 2*time.Second, &out))
	assert.Equal(t, int64(7), out)
}

func TestKillWorker_NonIdempotentFailsWithWorkerLost(t *testing.T) {
	r := newRig(t, Config{})
	r.exec.SetResubmit(func(inv *types.Invocation) {
		t.Error("non-idempotent invocation must not be re-submitted")
	})

	started := make(chan struct{})
	require.NoError(t, r.reg.RegisterTask("slow", func(_ context.Context, _ []any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return int64(7), nil
	}))

	inv := r.newInvocation(t, "slow", nil, 1)
	inv.Idempotent = false
	r.exec.Dispatch(inv, "w1")

	<-started
	r.exec.KillWorker("w1")

	err := r.caller.GetTimeout(inv.Results[0], time.Second, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrWorkerLost))
}

func TestKillWorker_AttemptBoundExhausted(t *testing.T) {
	r := newRig(t, Config{MaxAttempts: 1})
	r.exec.SetResubmit(func(inv *types.Invocation) {
		t.Error("attempt bound of one forbids re-submission")
	})

	started := make(chan struct{})
	require.NoError(t, r.reg.RegisterTask("slow", func(_ context.Context, _ []any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return int64(7), nil
	}))

	inv := r.newInvocation(t, "slow", nil, 1)
	r.exec.Dispatch(inv, "w1")

	<-started
	r.exec.KillWorker("w1")

	err := r.caller.GetTimeout(inv.Results[0], time.Second, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrWorkerLost))
}

func TestKillWorker_QueuedBacklogReported(t *testing.T) {
	r := newRig(t, Config{})

	var mu sync.Mutex
	var lost []types.InvocationID
	r.exec.SetResubmit(func(inv *types.Invocation) {
		mu.Lock()
		lost = append(lost, inv.ID)
		mu.Unlock()
	})

	started := make(chan struct{})
	require.NoError(t, r.reg.RegisterTask("slow", func(_ context.Context, _ []any) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}))
	require.NoError(t, r.reg.RegisterTask("noop", func(_ context.Context, _ []any) (any, error) {
		return nil, nil
	}))

	blocker := r.newInvocation(t, "slow", nil, 1)
	queued := r.newInvocation(t, "noop", nil, 1)
	r.exec.Dispatch(blocker, "w1")
	<-started
	r.exec.Dispatch(queued, "w1")

	r.exec.KillWorker("w1")

	// The queued item is reported lost immediately, the in-flight one when
	// its execution drains.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnDone_ReleasesResources(t *testing.T) {
	r := newRig(t, Config{})

	done := make(chan types.WorkerID, 1)
	r.exec.SetOnDone(func(w types.WorkerID, _ *types.Invocation) {
		done <- w
	})

	require.NoError(t, r.reg.RegisterTask("noop", func(_ context.Context, _ []any) (any, error) {
		return nil, nil
	}))

	inv := r.newInvocation(t, "noop", nil, 1)
	r.exec.Dispatch(inv, "w1")

	select {
	case w := <-done:
		assert.Equal(t, types.WorkerID("w1"), w)
	case <-time.After(time.Second):
		t.Fatal("onDone never fired")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)

	bad := Config{MaxAttempts: -1}
	assert.Error(t, bad.Validate())
}
