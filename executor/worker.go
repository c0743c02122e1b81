package executor

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/taskmesh/types"
)

// workItem is one invocation queued on a worker together with the execution
// closure the Executor prepared for it.
type workItem struct {
	inv *types.Invocation
	run func(*Worker, *types.Invocation)
}

// Worker executes invocations one at a time on a dedicated goroutine. A
// worker belongs to exactly one node and never migrates.
type Worker struct {
	info   types.WorkerInfo
	logger *slog.Logger

	mu      sync.Mutex
	mailbox []*workItem
	wake    chan struct{}
	killed  atomic.Bool
	done    chan struct{}

	// onLost receives invocations whose results were lost to a kill, both
	// the queued backlog and the in-flight item.
	onLost func(*types.Invocation)
}

// NewWorker creates a worker and starts its execution loop.
func NewWorker(info types.WorkerInfo, logger *slog.Logger, onLost func(*types.Invocation)) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		info:   info,
		logger: logger.With("worker", string(info.ID), "node", string(info.Node)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		onLost: onLost,
	}
	go w.loop()
	return w
}

// Info returns the worker's identity and capacity.
func (w *Worker) Info() types.WorkerInfo { return w.info }

// Killed reports whether the worker has crashed.
func (w *Worker) Killed() bool { return w.killed.Load() }

// enqueue appends an item to the mailbox. Returns false if the worker is
// already dead.
func (w *Worker) enqueue(item *workItem) bool {
	w.mu.Lock()
	if w.killed.Load() {
		w.mu.Unlock()
		return false
	}
	w.mailbox = append(w.mailbox, item)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		if w.killed.Load() {
			return
		}
		w.mu.Lock()
		var item *workItem
		if len(w.mailbox) > 0 {
			item = w.mailbox[0]
			w.mailbox = w.mailbox[1:]
		}
		w.mu.Unlock()
		if item == nil {
			<-w.wake
			continue
		}
		item.run(w, item.inv)
	}
}

// Kill simulates an abrupt worker failure. The in-flight invocation's result
// is discarded by the executor, and every queued invocation is reported lost.
func (w *Worker) Kill() {
	w.mu.Lock()
	if !w.killed.CompareAndSwap(false, true) {
		w.mu.Unlock()
		return
	}
	backlog := w.mailbox
	w.mailbox = nil
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.logger.Warn("worker killed", "queued_lost", len(backlog))
	if w.onLost != nil {
		for _, item := range backlog {
			w.onLost(item.inv)
		}
	}
}
