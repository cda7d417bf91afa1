package realtime

import (
	"sync"

	"pawfect/cmd/internal/auth"
	v1 "pawfect/contracts/realtime/v1"
)

// Client is one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the connection goroutines to stop.
type Client struct {
	ID     string
	Caller auth.Caller
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, caller auth.Caller, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:     id,
		Caller: caller,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Authenticated reports whether the connection presented a valid token.
func (c *Client) Authenticated() bool { return c.Caller.UserID > 0 }

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals shutdown. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// offer enqueues env without blocking. It reports false when the client is gone or full.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
