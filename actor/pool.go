package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/types"
)

// Caller issues one method call against an actor handle, blocks until the
// call's result lands, and returns the result object. The runtime wires it
// during assembly.
type Caller func(ctx context.Context, h *Handle, method string, args []types.Arg) (types.ObjectID, error)

// poolCall is one queued method call.
type poolCall struct {
	method string
	args   []types.Arg
}

// poolResult is one completed call, in completion order.
type poolResult struct {
	id  types.ObjectID
	err error
}

// Pool fans method calls out over a fixed set of actors of one class,
// round-robin. Completed results are collected with GetNext in completion
// order, not submission order; use a direct handle when order matters.
type Pool struct {
	handles   []*Handle
	call      Caller
	queueSize int

	workChan    chan poolCall
	results     chan poolResult
	outstanding atomic.Int64
	next        atomic.Uint64
	wg          *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metrics         *poolMetrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
	callTime   *prometheus.HistogramVec
}

// PoolOption configures a pool.
type PoolOption func(*Pool)

// WithPoolMetrics registers the pool's metrics with the runtime's registry
// under the given prefix.
func WithPoolMetrics(registry *metric.MetricsRegistry, prefix string) PoolOption {
	return func(p *Pool) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool wraps existing actor handles into a pool. Every handle must refer
// to an actor of the same class.
func NewPool(handles []*Handle, queueSize int, call Caller, opts ...PoolOption) (*Pool, error) {
	if len(handles) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pool", "NewPool", "no actor handles")
	}
	if call == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pool", "NewPool", "nil caller")
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	for _, h := range handles[1:] {
		if h.Class != handles[0].Class {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pool", "NewPool",
				"mixed classes "+string(handles[0].Class)+" and "+string(h.Class))
		}
	}

	p := &Pool{
		handles:   handles,
		call:      call,
		queueSize: queueSize,
		workChan:  make(chan poolCall, queueSize),
		// Sized so pumps never block handing back a result.
		results: make(chan poolResult, queueSize+len(handles)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		if err := p.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) initializeMetrics() error {
	prefix := p.metricsPrefix
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Calls waiting for an actor",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Calls submitted to the pool",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Calls completed by a pool actor",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Calls that returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Calls rejected by a full queue",
		}),
		callTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_call_duration_seconds",
			Help:    "End-to-end pool call latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"status"}),
	}

	component := "actor_pool"
	registrations := []struct {
		name string
		err  error
	}{
		{prefix + "_queue_depth", p.metricsRegistry.RegisterGauge(component, prefix+"_queue_depth", m.queueDepth)},
		{prefix + "_submitted_total", p.metricsRegistry.RegisterCounter(component, prefix+"_submitted_total", m.submitted)},
		{prefix + "_processed_total", p.metricsRegistry.RegisterCounter(component, prefix+"_processed_total", m.processed)},
		{prefix + "_failed_total", p.metricsRegistry.RegisterCounter(component, prefix+"_failed_total", m.failed)},
		{prefix + "_dropped_total", p.metricsRegistry.RegisterCounter(component, prefix+"_dropped_total", m.dropped)},
		{prefix + "_call_duration_seconds", p.metricsRegistry.RegisterHistogramVec(component, prefix+"_call_duration_seconds", m.callTime)},
	}
	for _, reg := range registrations {
		if reg.err != nil {
			return reg.err
		}
	}
	p.metrics = m
	return nil
}

// Start launches one pump goroutine per pool actor.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pool", "Start", "pool already started")
	}

	p.wg = &sync.WaitGroup{}
	for range p.handles {
		p.wg.Add(1)
		go p.pump(ctx)
	}
	p.started = true
	return nil
}

// Submit queues one method call, non-blocking. A full queue rejects the call.
func (p *Pool) Submit(method string, args []types.Arg) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Pool", "Submit", "pool not started")
	}
	if p.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Pool", "Submit", "pool stopped")
	}

	select {
	case p.workChan <- poolCall{method: method, args: args}:
		p.outstanding.Add(1)
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return errors.WrapTransient(errors.ErrQueueFull, "Pool", "Submit", "pool queue full")
	}
}

// GetNext blocks for the next completed result. Results come back in
// completion order. GetNext is single-consumer; an empty pool (nothing
// outstanding) errors instead of blocking.
func (p *Pool) GetNext(ctx context.Context) (types.ObjectID, error) {
	if p.outstanding.Load() == 0 {
		return types.ObjectID{}, errors.WrapInvalid(errors.ErrQueueEmpty, "Pool", "GetNext", "no calls outstanding")
	}
	select {
	case res := <-p.results:
		p.outstanding.Add(-1)
		return res.id, res.err
	case <-ctx.Done():
		return types.ObjectID{}, errors.WrapTransient(errors.ErrTimeout, "Pool", "GetNext", "waiting for a result")
	}
}

// HasNext reports whether any submitted call has not yet been collected.
func (p *Pool) HasNext() bool {
	return p.outstanding.Load() > 0
}

// Stop drains the queue and waits for in-flight calls, up to the timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrTimeout, "Pool", "Stop", "calls still in flight")
	}
}

// Stats reports pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Actors:     len(p.handles),
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats is a point-in-time view of pool counters.
type PoolStats struct {
	Actors     int   `json:"actors"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// pump moves calls from the queue to actors, round-robin over handles.
func (p *Pool) pump(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			h := p.handles[p.next.Add(1)%uint64(len(p.handles))]

			start := time.Now()
			id, err := p.call(ctx, h, work.method, work.args)
			duration := time.Since(start)

			p.results <- poolResult{id: id, err: err}

			atomic.AddInt64(&p.processed, 1)
			status := "success"
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.Inc()
				if err != nil {
					p.metrics.failed.Inc()
				}
				p.metrics.callTime.WithLabelValues(status).Observe(duration.Seconds())
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
