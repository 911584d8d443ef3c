package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning wraps dial failures, so callers can tell an absent
// daemon apart from a failed command.
var ErrDaemonNotRunning = errors.New("failed to connect to daemon")

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout bounds dialing plus the full request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendContext performs one request on a fresh connection. The exchange ends at
// the earlier of ctx's deadline and the client timeout.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v\nIs the daemon running? Start it with: gatekeeper daemon",
			ErrDaemonNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read %s response: %w", req.Command, ctx.Err())
		}
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// CallContext sends command and decodes a successful response into out.
// Daemon-side failures are returned as *RemoteError.
func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}
