package store

import (
	"container/list"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/types"
)

// sharedObject is one immutable buffer in the node-shared region. Objects are
// read-only after admission; only the store's bookkeeping mutates, and that
// is guarded per object so readers of different objects never contend.
type sharedObject struct {
	mu      sync.Mutex
	id      types.ObjectID
	data    []byte
	size    int64
	spilled bool
	path    string
	version uint64
	pins    int

	element *list.Element // position in the LRU order
}

// NodeStore is the per-node shared object store. All workers on a node share
// it; spill victims are chosen least-recently-accessed among objects with no
// active readers.
type NodeStore struct {
	node    types.NodeID
	logger  *slog.Logger
	metrics *metric.Metrics

	highWatermark int64
	spillDir      string

	mu       sync.Mutex
	objects  map[types.ObjectID]*sharedObject
	order    *list.List // front = most recently accessed
	memBytes int64
}

// NewNodeStore creates the shared store for one node.
func NewNodeStore(node types.NodeID, cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*NodeStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spillDir := cfg.SpillDir
	if spillDir != "" {
		nodeDir := filepath.Join(spillDir, string(node))
		if err := os.MkdirAll(nodeDir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "NodeStore", "NewNodeStore", "create spill directory")
		}
		spillDir = nodeDir
	}
	return &NodeStore{
		node:          node,
		logger:        logger,
		metrics:       metrics,
		highWatermark: cfg.HighWatermark,
		spillDir:      spillDir,
		objects:       make(map[types.ObjectID]*sharedObject),
		order:         list.New(),
	}, nil
}

// Node returns the node this store belongs to.
func (n *NodeStore) Node() types.NodeID {
	return n.node
}

// Put admits an immutable buffer. Admitting the same id twice is a no-op;
// objects are immutable so the bytes cannot differ.
func (n *NodeStore) Put(id types.ObjectID, data []byte) error {
	n.mu.Lock()
	if _, exists := n.objects[id]; exists {
		n.mu.Unlock()
		return nil
	}

	obj := &sharedObject{
		id:   id,
		data: data,
		size: int64(len(data)),
	}
	obj.element = n.order.PushFront(obj)
	n.objects[id] = obj
	n.memBytes += obj.size
	n.gaugeBytes()

	if err := n.enforceWatermarkLocked(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.ObjectsStored.WithLabelValues("shared").Inc()
	}
	return nil
}

// Get returns the object's bytes, transparently reloading a spilled object
// into memory. Readers always observe fully-resident or fully-spilled state;
// the per-object lock makes spill and reload atomic with respect to reads.
func (n *NodeStore) Get(id types.ObjectID) ([]byte, error) {
	n.mu.Lock()
	obj, exists := n.objects[id]
	if !exists {
		n.mu.Unlock()
		return nil, errors.Wrap(errors.ErrObjectUnavailable, "NodeStore", "Get", "object "+id.String())
	}
	n.order.MoveToFront(obj.element)
	obj.mu.Lock()
	obj.pins++
	n.mu.Unlock()

	defer func() {
		obj.mu.Lock()
		obj.pins--
		obj.mu.Unlock()
	}()

	if !obj.spilled {
		data := obj.data
		obj.mu.Unlock()
		if n.metrics != nil {
			n.metrics.FetchesTotal.WithLabelValues("shared").Inc()
		}
		return data, nil
	}

	// Reload from disk and re-admit. Logical state stays Spilled->resident;
	// the lattice does not move backward.
	data, err := os.ReadFile(obj.path)
	if err != nil {
		obj.mu.Unlock()
		return nil, errors.WrapTransient(err, "NodeStore", "Get", "reload spilled object")
	}
	obj.data = data
	obj.spilled = false
	obj.version++
	obj.mu.Unlock()

	n.mu.Lock()
	n.memBytes += int64(len(data))
	n.gaugeBytes()
	err = n.enforceWatermarkLocked()
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if n.metrics != nil {
		n.metrics.ReloadsTotal.Inc()
		n.metrics.FetchesTotal.WithLabelValues("spilled").Inc()
	}
	return data, nil
}

// Contains reports whether the store holds the object, resident or spilled.
func (n *NodeStore) Contains(id types.ObjectID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.objects[id]
	return exists
}

// Spilled reports whether the object currently lives on disk.
func (n *NodeStore) Spilled(id types.ObjectID) bool {
	n.mu.Lock()
	obj, exists := n.objects[id]
	n.mu.Unlock()
	if !exists {
		return false
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.spilled
}

// Free drops the object and any disk backing. Unknown ids are a no-op.
func (n *NodeStore) Free(id types.ObjectID) {
	n.mu.Lock()
	obj, exists := n.objects[id]
	if !exists {
		n.mu.Unlock()
		return
	}
	delete(n.objects, id)
	n.order.Remove(obj.element)

	obj.mu.Lock()
	if !obj.spilled {
		n.memBytes -= obj.size
	}
	path := ""
	if obj.spilled {
		path = obj.path
	}
	obj.data = nil
	obj.mu.Unlock()
	n.gaugeBytes()
	n.mu.Unlock()

	if path != "" {
		if err := os.Remove(path); err != nil {
			n.logger.Warn("failed to remove spill file", "object", id.String(), "error", err)
		}
	}
	if n.metrics != nil {
		n.metrics.ObjectsFreed.Inc()
	}
}

// MemBytes returns the bytes currently resident in memory.
func (n *NodeStore) MemBytes() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.memBytes
}

// Watermark returns the configured memory ceiling.
func (n *NodeStore) Watermark() int64 {
	return n.highWatermark
}

// enforceWatermarkLocked spills least-recently-accessed unpinned objects until
// memory drops to the watermark. Caller holds n.mu.
func (n *NodeStore) enforceWatermarkLocked() error {
	if n.memBytes <= n.highWatermark {
		return nil
	}
	if n.spillDir == "" {
		return errors.WrapFatal(errors.ErrStorageFull, "NodeStore", "enforceWatermark",
			fmt.Sprintf("shared store over watermark (%d bytes) with spilling disabled", n.memBytes))
	}

	for elem := n.order.Back(); elem != nil && n.memBytes > n.highWatermark; {
		obj := elem.Value.(*sharedObject)
		prev := elem.Prev()

		obj.mu.Lock()
		if obj.spilled || obj.pins > 0 {
			obj.mu.Unlock()
			elem = prev
			continue
		}

		path := filepath.Join(n.spillDir, fmt.Sprintf("%s_%d_%016x.obj", obj.id.Owner, obj.id.Sequence, obj.id.Nonce))
		if err := os.WriteFile(path, obj.data, 0o600); err != nil {
			obj.mu.Unlock()
			return errors.WrapFatal(err, "NodeStore", "enforceWatermark", "write spill file")
		}
		obj.path = path
		obj.spilled = true
		obj.version++
		size := obj.size
		obj.data = nil
		obj.mu.Unlock()

		n.memBytes -= size
		n.gaugeBytes()
		if n.metrics != nil {
			n.metrics.SpillsTotal.Inc()
		}
		n.logger.Debug("spilled object", "object", obj.id.String(), "bytes", size)
		elem = prev
	}
	return nil
}

func (n *NodeStore) gaugeBytes() {
	if n.metrics != nil {
		n.metrics.SharedStoreBytes.Set(float64(n.memBytes))
	}
}
