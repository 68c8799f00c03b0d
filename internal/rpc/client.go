package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/mod/semver"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// Client talks to a running daemon over its unix socket. One connection
// per request keeps the daemon's accept loop simple; the store behind it
// is the bottleneck anyway.
type Client struct {
	socketPath string
	actor      string
	timeout    time.Duration
}

// TryConnect probes for a live, version-compatible daemon. Returns nil
// (no error) when none is running; callers fall back to direct store
// access.
func TryConnect(stateDir, actor string) *Client {
	c := &Client{
		socketPath: SocketPath(stateDir),
		actor:      actor,
		timeout:    10 * time.Second,
	}

	conn, err := net.DialTimeout("unix", c.socketPath, 200*time.Millisecond)
	if err != nil {
		// Stale socket files are normal after a daemon crash.
		return nil
	}
	conn.Close()

	health, err := c.Health(context.Background())
	if err != nil {
		debug.Logf("daemon socket answered but health failed: %v", err)
		return nil
	}
	if semver.Major(health.Version) != semver.Major(ProtocolVersion) {
		debug.Logf("daemon protocol %s incompatible with client %s",
			health.Version, ProtocolVersion)
		return nil
	}
	return c
}

// Call performs one operation. args is marshaled into the request; a
// non-nil out receives the response data.
func (c *Client) Call(ctx context.Context, operation string, args, out interface{}) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode args: %w", err)
		}
		raw = b
	}
	cwd, _ := os.Getwd()
	req := Request{
		Operation:     operation,
		Args:          raw,
		Actor:         c.actor,
		Cwd:           cwd,
		ClientVersion: ProtocolVersion,
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(&req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read daemon response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("daemon: %s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode daemon response: %w", err)
		}
	}
	return nil
}

// Health fetches the daemon's health payload.
func (c *Client) Health(ctx context.Context) (*HealthData, error) {
	var h HealthData
	if err := c.Call(ctx, OpHealth, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, OpPing, nil, nil)
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, OpShutdown, nil, nil)
}
