// Package natstransport implements the transport boundary over NATS
// request/reply, for clusters whose nodes live in separate processes.
package natstransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/transport"
	"github.com/c360/taskmesh/types"
)

const (
	headerStatus  = "Taskmesh-Status"
	statusOK      = "ok"
	statusMissing = "missing"
)

func fetchSubject(node types.NodeID) string {
	return fmt.Sprintf("taskmesh.node.%s.fetch", node)
}

func sendSubject(node types.NodeID) string {
	return fmt.Sprintf("taskmesh.node.%s.send", node)
}

// Client is a NATS-backed Transport. Fetches are request/reply on a per-node
// subject; Send is a request acknowledged by the receiving node.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	requestTimeout time.Duration
	connOpts       []nats.Option

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New connects to the NATS server at url and returns a transport client.
func New(url string, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		logger:         logger,
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	natsOpts := []nats.Option{
		nats.Name("taskmesh-transport"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	natsOpts = append(natsOpts, c.connOpts...)

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "natstransport", "New", "connect to "+url)
	}
	c.conn = conn
	return c, nil
}

// Serve answers fetch requests for a local node.
func (c *Client) Serve(node types.NodeID, handler transport.FetchHandler) {
	sub, err := c.conn.Subscribe(fetchSubject(node), func(msg *nats.Msg) {
		id, err := types.ParseObjectID(string(msg.Data))
		if err != nil {
			c.respondMissing(msg)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()

		data, ok := handler(ctx, id)
		if !ok {
			c.respondMissing(msg)
			return
		}

		reply := nats.NewMsg(msg.Reply)
		reply.Header.Set(headerStatus, statusOK)
		reply.Data = data
		if err := msg.RespondMsg(reply); err != nil {
			c.logger.Warn("fetch reply failed", "node", node, "object", id, "error", err)
		}
	})
	if err != nil {
		c.logger.Error("fetch subscription failed", "node", node, "error", err)
		return
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// ServeSend answers send requests for a local node, acking each payload after
// the handler returns.
func (c *Client) ServeSend(node types.NodeID, handler transport.SendHandler) {
	sub, err := c.conn.Subscribe(sendSubject(node), func(msg *nats.Msg) {
		handler(msg.Data)
		if msg.Reply != "" {
			_ = msg.Respond(nil)
		}
	})
	if err != nil {
		c.logger.Error("send subscription failed", "node", node, "error", err)
		return
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *Client) respondMissing(msg *nats.Msg) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(headerStatus, statusMissing)
	_ = msg.RespondMsg(reply)
}

// Fetch retrieves object bytes from a remote node.
func (c *Client) Fetch(ctx context.Context, node types.NodeID, id types.ObjectID) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, fetchSubject(node), []byte(id.String()))
	if err != nil {
		return nil, errors.WrapTransient(err, "natstransport", "Fetch", "request to node "+string(node))
	}
	if msg.Header.Get(headerStatus) != statusOK {
		return nil, errors.Wrap(errors.ErrObjectUnavailable, "natstransport", "Fetch", "object "+id.String())
	}
	return msg.Data, nil
}

// Send delivers an opaque payload to a node and waits for its ack.
func (c *Client) Send(ctx context.Context, node types.NodeID, payload []byte) error {
	if _, err := c.conn.RequestWithContext(ctx, sendSubject(node), payload); err != nil {
		return errors.WrapTransient(err, "natstransport", "Send", "request to node "+string(node))
	}
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
	return nil
}

var _ transport.Transport = (*Client)(nil)
