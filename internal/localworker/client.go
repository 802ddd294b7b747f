package localworker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opentalon/conductor/internal/invoke"
)

// Client talks to a running worker over a Unix socket or TCP. Calls are
// serialized; a failed call leaves the stream in an unknown state, so the
// caller should Close the client and dial again.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a worker at the given network/address.
func Dial(network, address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial worker at %s://%s: %w", network, address, err)
	}
	return &Client{conn: conn}, nil
}

// DialFromHandshake connects using information from a handshake.
func DialFromHandshake(hs Handshake, timeout time.Duration) (*Client, error) {
	return Dial(hs.Network, hs.Address, timeout)
}

// Invoke sends one request and waits for the reply, honoring the context's
// deadline and cancellation.
func (c *Client) Invoke(ctx context.Context, req invoke.Request) (invoke.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return invoke.Response{}, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteMessage(c.conn, &Frame{Method: MethodInvoke, Request: &req}); err != nil {
		return invoke.Response{}, fmt.Errorf("write: %w", err)
	}

	var reply Reply
	if err := ReadMessage(c.conn, &reply); err != nil {
		return invoke.Response{}, fmt.Errorf("read: %w", err)
	}
	if reply.Error != "" {
		return invoke.Response{}, fmt.Errorf("worker protocol error: %s", reply.Error)
	}
	if reply.Response == nil {
		return invoke.Response{}, fmt.Errorf("worker sent empty reply")
	}
	return *reply.Response, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
