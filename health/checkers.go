package health

import (
	"context"
	"fmt"

	"github.com/c360/taskmesh/scheduler"
	"github.com/c360/taskmesh/store"
)

// SchedulerChecker reports scheduler wait-queue pressure. A queue past the
// degraded fraction of its limit suggests the cluster is underprovisioned.
type SchedulerChecker struct {
	Scheduler  *scheduler.Scheduler
	QueueLimit int
}

// Name implements Checker.
func (c SchedulerChecker) Name() string { return "scheduler" }

// Check implements Checker.
func (c SchedulerChecker) Check(_ context.Context) Status {
	depth := c.Scheduler.QueueLen()
	metrics := &Metrics{QueueDepth: depth}

	if c.QueueLimit > 0 && depth >= c.QueueLimit {
		return NewUnhealthy("scheduler", "wait queue at limit").WithMetrics(metrics)
	}
	if c.QueueLimit > 0 && depth >= c.QueueLimit/2 {
		return NewDegraded("scheduler",
			fmt.Sprintf("wait queue at %d of %d", depth, c.QueueLimit)).WithMetrics(metrics)
	}
	return NewHealthy("scheduler", "queue nominal").WithMetrics(metrics)
}

// NodeStoreChecker reports shared-store memory pressure for one node.
type NodeStoreChecker struct {
	Store *store.NodeStore
}

// Name implements Checker.
func (c NodeStoreChecker) Name() string { return "store-" + string(c.Store.Node()) }

// Check implements Checker.
func (c NodeStoreChecker) Check(_ context.Context) Status {
	used := c.Store.MemBytes()
	limit := c.Store.Watermark()
	metrics := &Metrics{SharedBytes: used}

	name := c.Name()
	if limit > 0 && used >= limit {
		// At the watermark the store is spilling; functional but slow.
		return NewDegraded(name, "shared store at watermark, spilling").WithMetrics(metrics)
	}
	return NewHealthy(name, "shared store nominal").WithMetrics(metrics)
}

// ConnChecker reports the state of a connection-backed transport.
type ConnChecker struct {
	CheckerName string
	Conn        interface{ IsConnected() bool }
}

// Name implements Checker.
func (c ConnChecker) Name() string { return c.CheckerName }

// Check implements Checker.
func (c ConnChecker) Check(_ context.Context) Status {
	if c.Conn.IsConnected() {
		return NewHealthy(c.CheckerName, "connected")
	}
	return NewUnhealthy(c.CheckerName, "connection down")
}
