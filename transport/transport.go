// Package transport defines the byte-delivery boundary between nodes and an
// in-process implementation used by single-process clusters and tests.
//
// The core assumes reliable-ordered delivery per connection; the store retries
// failed operations up to a bounded attempt count before surfacing
// ErrObjectUnavailable.
package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/types"
)

// FetchHandler serves object bytes for one node. Returning ok=false means the
// node no longer holds the object.
type FetchHandler func(ctx context.Context, id types.ObjectID) (data []byte, ok bool)

// SendHandler consumes one opaque payload delivered to a node.
type SendHandler func(payload []byte)

// Transport delivers bytes to named nodes.
type Transport interface {
	// Send delivers an opaque payload to a node and waits for its ack.
	Send(ctx context.Context, node types.NodeID, payload []byte) error

	// Fetch retrieves the bytes of an object from a node.
	Fetch(ctx context.Context, node types.NodeID, id types.ObjectID) ([]byte, error)

	// Serve registers the fetch handler for a local node.
	Serve(node types.NodeID, handler FetchHandler)

	// ServeSend registers the send handler for a local node.
	ServeSend(node types.NodeID, handler SendHandler)

	// Close releases transport resources.
	Close() error
}

const freePrefix = "free:"

// FreePayload encodes a cross-node free notification for one object.
func FreePayload(id types.ObjectID) []byte {
	return []byte(freePrefix + id.String())
}

// ParseFreePayload decodes a free notification. ok is false for payloads that
// are not free notifications.
func ParseFreePayload(payload []byte) (types.ObjectID, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, freePrefix) {
		return types.ObjectID{}, false
	}
	id, err := types.ParseObjectID(strings.TrimPrefix(s, freePrefix))
	return id, err == nil
}

// Loopback is an in-process Transport connecting nodes within one process.
// It is the default for single-node runtimes and the test harness for
// multi-node behavior.
type Loopback struct {
	mu           sync.RWMutex
	handlers     map[types.NodeID]FetchHandler
	sendHandlers map[types.NodeID]SendHandler
	closed       bool
}

// NewLoopback creates an empty in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers:     make(map[types.NodeID]FetchHandler),
		sendHandlers: make(map[types.NodeID]SendHandler),
	}
}

// Serve registers the fetch handler for a node.
func (l *Loopback) Serve(node types.NodeID, handler FetchHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[node] = handler
}

// ServeSend registers the send handler for a node.
func (l *Loopback) ServeSend(node types.NodeID, handler SendHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendHandlers[node] = handler
}

// Send delivers a payload to the node's send handler. Delivery is synchronous;
// the handler's return is the ack.
func (l *Loopback) Send(_ context.Context, node types.NodeID, payload []byte) error {
	l.mu.RLock()
	handler, known := l.sendHandlers[node]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return errors.ErrNoConnection
	}
	if !known {
		return errors.Wrap(errors.ErrNoConnection, "Loopback", "Send", "resolve node "+string(node))
	}

	// Copy so the handler never aliases the sender's buffer.
	out := make([]byte, len(payload))
	copy(out, payload)
	handler(out)
	return nil
}

// Fetch asks the node's handler for the object's bytes.
func (l *Loopback) Fetch(ctx context.Context, node types.NodeID, id types.ObjectID) ([]byte, error) {
	l.mu.RLock()
	handler, known := l.handlers[node]
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return nil, errors.ErrNoConnection
	}
	if !known {
		return nil, errors.Wrap(errors.ErrNoConnection, "Loopback", "Fetch", "resolve node "+string(node))
	}

	data, ok := handler(ctx, id)
	if !ok {
		return nil, errors.Wrap(errors.ErrObjectUnavailable, "Loopback", "Fetch", "object "+id.String())
	}
	// Copy so callers never alias the serving node's buffer.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Close shuts the transport down. Subsequent operations fail.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ Transport = (*Loopback)(nil)
