// Package scheduler assigns invocations to workers based on resource
// feasibility and argument data locality.
//
// Placement is a greedy online heuristic, not globally optimal. The only
// correctness requirement is liveness: every invocation whose requirements
// are permanently satisfiable eventually runs. Queued invocations age upward
// in priority over wait time; an aged invocation blocks younger work in its
// resource class until it places.
package scheduler

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/types"
)

// Membership is the cluster-membership boundary: who the workers are, where
// they run, and what resources they offer.
type Membership interface {
	Workers() []types.WorkerInfo
}

// Dispatch hands a placed invocation to its worker's run queue.
type Dispatch func(inv *types.Invocation, worker types.WorkerID)

// LocationsFunc reports the nodes currently holding an object, per the
// owner's location hints.
type LocationsFunc func(id types.ObjectID) []types.NodeID

// Config holds scheduler tuning.
type Config struct {
	// QueueLimit bounds the wait queue per resource class. A full class
	// rejects submissions with ErrResourceExhausted instead of growing
	// unboundedly.
	QueueLimit int `json:"queue_limit" yaml:"queue_limit"`

	// AgingThreshold is the queue wait after which an invocation blocks
	// younger work in its resource class, preventing starvation.
	AgingThreshold time.Duration `json:"aging_threshold" yaml:"aging_threshold"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		QueueLimit:     1024,
		AgingThreshold: 10 * time.Second,
	}
}

type workerState struct {
	info      types.WorkerInfo
	available types.ResourceMap
	inflight  int
}

type queuedInvocation struct {
	inv      *types.Invocation
	class    string
	enqueued time.Time
}

// Scheduler places invocations onto feasible workers, preferring workers
// whose node already holds the invocation's by-value arguments.
type Scheduler struct {
	logger    *slog.Logger
	metrics   *metric.Metrics
	locations LocationsFunc
	cfg       Config

	mu         sync.Mutex
	dispatch   Dispatch
	workers    map[types.WorkerID]*workerState
	queue      []*queuedInvocation
	classCount map[string]int
	pinned     map[types.ActorID]types.WorkerID
	closed     bool
}

// New creates a scheduler. Dispatch must be wired via SetDispatch before the
// first Submit.
func New(cfg Config, locations LocationsFunc, logger *slog.Logger, metrics *metric.Metrics) *Scheduler {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = DefaultConfig().AgingThreshold
	}
	return &Scheduler{
		logger:     logger,
		metrics:    metrics,
		locations:  locations,
		cfg:        cfg,
		workers:    make(map[types.WorkerID]*workerState),
		classCount: make(map[string]int),
		pinned:     make(map[types.ActorID]types.WorkerID),
	}
}

// SetDispatch wires the worker hand-off. Called once during assembly.
func (s *Scheduler) SetDispatch(d Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = d
}

// UpdateWorkers replaces the membership view. New capacity re-triggers
// placement of queued invocations; vanished workers' reservations are
// forgotten (the executor reports their in-flight work as lost).
func (s *Scheduler) UpdateWorkers(infos []types.WorkerInfo) {
	s.mu.Lock()
	next := make(map[types.WorkerID]*workerState, len(infos))
	for _, info := range infos {
		if prev, ok := s.workers[info.ID]; ok {
			next[info.ID] = prev
			continue
		}
		next[info.ID] = &workerState{info: info, available: info.Resources.Clone()}
		if next[info.ID].available == nil {
			next[info.ID].available = types.ResourceMap{}
		}
	}
	s.workers = next
	s.mu.Unlock()

	s.Kick()
}

// Submit places an invocation now if a feasible worker exists, otherwise
// queues it. Submissions whose requirements exceed every known worker's
// total capacity, or that land in a full class queue, fail with
// ErrResourceExhausted.
func (s *Scheduler) Submit(inv *types.Invocation) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return errors.ErrShuttingDown
	}

	// Sticky actor routing: an actor invocation always runs on the actor's
	// worker, whose resources were reserved at creation.
	if inv.Actor != "" {
		worker, ok := s.pinned[inv.Actor]
		if !ok {
			s.mu.Unlock()
			return errors.Wrap(errors.ErrActorUnavailable, "Scheduler", "Submit",
				"actor "+string(inv.Actor)+" has no placement")
		}
		dispatch := s.dispatch
		s.mu.Unlock()
		dispatch(inv, worker)
		return nil
	}

	if len(s.workers) > 0 && !s.everSatisfiable(inv.Resources) {
		s.mu.Unlock()
		s.counted("exhausted")
		return errors.Wrap(errors.ErrResourceExhausted, "Scheduler", "Submit",
			"requirements exceed every worker's capacity")
	}

	if worker := s.placeLocked(inv); worker != "" {
		dispatch := s.dispatch
		s.mu.Unlock()
		s.counted("placed")
		dispatch(inv, worker)
		return nil
	}

	class := resourceClass(inv.Resources)
	if s.classCount[class] >= s.cfg.QueueLimit {
		s.mu.Unlock()
		s.counted("exhausted")
		return errors.Wrap(errors.ErrResourceExhausted, "Scheduler", "Submit",
			"queue full for resource class "+classLabel(class))
	}
	s.queue = append(s.queue, &queuedInvocation{inv: inv, class: class, enqueued: time.Now()})
	s.classCount[class]++
	if s.metrics != nil {
		s.metrics.TasksQueued.Set(float64(len(s.queue)))
	}
	s.mu.Unlock()
	s.counted("queued")
	return nil
}

// Reserve permanently claims resources on a worker, as for an actor's
// lifetime reservation. Fails if the worker cannot satisfy the demand now.
func (s *Scheduler) Reserve(worker types.WorkerID, actor types.ActorID, demand types.ResourceMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workers[worker]
	if !ok {
		return errors.Wrap(errors.ErrUnknownWorker, "Scheduler", "Reserve", string(worker))
	}
	if !ws.available.Satisfies(demand) {
		return errors.Wrap(errors.ErrResourceExhausted, "Scheduler", "Reserve",
			"worker "+string(worker)+" lacks capacity")
	}
	ws.available.Sub(demand)
	s.pinned[actor] = worker
	return nil
}

// PlaceActor picks a worker for a new actor and reserves its resources for
// the actor's lifetime. Among feasible workers the one carrying the fewest
// pinned actors wins, spreading long-lived reservations.
func (s *Scheduler) PlaceActor(actor types.ActorID, demand types.ResourceMap) (types.WorkerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pins := make(map[types.WorkerID]int, len(s.workers))
	for _, w := range s.pinned {
		pins[w]++
	}

	var best *workerState
	for _, ws := range s.workers {
		if !ws.available.Satisfies(demand) {
			continue
		}
		if best == nil || pins[ws.info.ID] < pins[best.info.ID] {
			best = ws
		}
	}
	if best == nil {
		return "", errors.Wrap(errors.ErrResourceExhausted, "Scheduler", "PlaceActor",
			"no worker can host actor "+string(actor))
	}

	best.available.Sub(demand)
	s.pinned[actor] = best.info.ID
	return best.info.ID, nil
}

// ReleaseActor drops an actor's pin and returns its reservation.
func (s *Scheduler) ReleaseActor(actor types.ActorID, demand types.ResourceMap) {
	s.mu.Lock()
	worker, ok := s.pinned[actor]
	if ok {
		delete(s.pinned, actor)
		if ws, exists := s.workers[worker]; exists {
			ws.available.Add(demand)
		}
	}
	s.mu.Unlock()
	if ok {
		s.Kick()
	}
}

// PinnedWorker returns the sticky placement for an actor.
func (s *Scheduler) PinnedWorker(actor types.ActorID) (types.WorkerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.pinned[actor]
	return w, ok
}

// Release returns an invocation's resources to its worker and re-triggers
// placement of queued work.
func (s *Scheduler) Release(worker types.WorkerID, demand types.ResourceMap) {
	s.mu.Lock()
	if ws, ok := s.workers[worker]; ok {
		ws.available.Add(demand)
		if ws.inflight > 0 {
			ws.inflight--
		}
	}
	s.mu.Unlock()

	s.Kick()
}

// Kick re-attempts placement of the wait queue, oldest first. An aged
// invocation that still cannot place blocks younger invocations of its class
// so it cannot starve behind a stream of smaller tasks.
func (s *Scheduler) Kick() {
	type placed struct {
		inv    *types.Invocation
		worker types.WorkerID
	}
	var ready []placed

	s.mu.Lock()
	if s.dispatch == nil || s.closed {
		s.mu.Unlock()
		return
	}

	blocked := make(map[string]bool)
	remaining := s.queue[:0]
	now := time.Now()
	for _, qi := range s.queue {
		if blocked[qi.class] {
			remaining = append(remaining, qi)
			continue
		}
		worker := s.placeLocked(qi.inv)
		if worker == "" {
			if now.Sub(qi.enqueued) >= s.cfg.AgingThreshold {
				blocked[qi.class] = true
			}
			remaining = append(remaining, qi)
			continue
		}
		s.classCount[qi.class]--
		if s.metrics != nil {
			s.metrics.QueueWait.Observe(now.Sub(qi.enqueued).Seconds())
		}
		ready = append(ready, placed{inv: qi.inv, worker: worker})
	}
	s.queue = remaining
	if s.metrics != nil {
		s.metrics.TasksQueued.Set(float64(len(s.queue)))
	}
	dispatch := s.dispatch
	s.mu.Unlock()

	for _, p := range ready {
		s.counted("placed")
		dispatch(p.inv, p.worker)
	}
}

// QueueLen returns the number of invocations waiting for resources.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting submissions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// placeLocked picks the feasible worker with the highest locality score,
// breaking ties by least queued work, and claims the resources. Returns ""
// when no worker fits. Caller holds s.mu.
func (s *Scheduler) placeLocked(inv *types.Invocation) types.WorkerID {
	var best *workerState
	bestScore := -1
	for _, ws := range s.workers {
		if !ws.available.Satisfies(inv.Resources) {
			continue
		}
		score := s.localityScore(inv, ws.info.Node)
		if best == nil || score > bestScore ||
			(score == bestScore && ws.inflight < best.inflight) {
			best = ws
			bestScore = score
		}
	}
	if best == nil {
		return ""
	}
	best.available.Sub(inv.Resources)
	best.inflight++
	return best.info.ID
}

// localityScore counts by-value arguments already resident on the node.
func (s *Scheduler) localityScore(inv *types.Invocation, node types.NodeID) int {
	if s.locations == nil {
		return 0
	}
	score := 0
	for _, arg := range inv.Args {
		if !arg.IsRef() {
			continue
		}
		for _, hint := range s.locations(arg.Ref) {
			if hint == node {
				score++
				break
			}
		}
	}
	return score
}

// everSatisfiable checks demand against the per-resource ceilings of the
// known workers' total capacity.
func (s *Scheduler) everSatisfiable(demand types.ResourceMap) bool {
	ceilings := types.ResourceMap{}
	for _, ws := range s.workers {
		for name, qty := range ws.info.Resources {
			if qty > ceilings[name] {
				ceilings[name] = qty
			}
		}
	}
	return ceilings.Satisfies(demand)
}

func (s *Scheduler) counted(outcome string) {
	if s.metrics != nil {
		s.metrics.TasksScheduled.WithLabelValues(outcome).Inc()
	}
}

// resourceClass derives the bounded-queue key from the demanded resource
// names.
func resourceClass(demand types.ResourceMap) string {
	if len(demand) == 0 {
		return ""
	}
	names := make([]string, 0, len(demand))
	for name, qty := range demand {
		if qty > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func classLabel(class string) string {
	if class == "" {
		return "(none)"
	}
	return class
}
