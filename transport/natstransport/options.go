package natstransport

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithRequestTimeout sets the per-request deadline used when serving fetch
// handlers.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithReconnect overrides reconnect behavior. max < 0 retries forever.
func WithReconnect(max int, wait time.Duration) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, nats.MaxReconnects(max), nats.ReconnectWait(wait))
	}
}

// WithUserPass sets username/password authentication.
func WithUserPass(user, pass string) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, nats.UserInfo(user, pass))
	}
}

// WithToken sets token authentication.
func WithToken(token string) Option {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, nats.Token(token))
	}
}
