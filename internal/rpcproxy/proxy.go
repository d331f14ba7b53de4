// Package rpcproxy sends a single request to a worker and awaits its reply
// over the worker's per-session TCP socket. Each call dials a short-lived
// connection, writes exactly one JSON request, reads
// exactly one JSON reply, and closes -- matching the worker's
// single-outstanding-request discipline without custom framing.
package rpcproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aprsa/phoebe.server/internal/wire"
)

// Proxy sends commands to one worker, serializing concurrent callers behind
// a per-session lock so at most one RPC is ever in flight to that worker,
// matching the single-threaded engine underneath.
type Proxy struct {
	mu   sync.Mutex
	port int
}

// New returns a Proxy bound to a worker's port.
func New(port int) *Proxy {
	return &Proxy{port: port}
}

// Send routes one command to the worker, blocking until the previous
// in-flight call (if any) to this same worker completes.
func (p *Proxy) Send(ctx context.Context, command string, args map[string]interface{}) (wire.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SendTo(ctx, p.port, command, args)
}

// SendTo is the stateless dial-send-receive primitive Proxy.Send and the
// supervisor's readiness probe both use. It does not serialize callers --
// callers wanting the single-outstanding-request guarantee should go
// through a Proxy instead.
func SendTo(ctx context.Context, port int, command string, args map[string]interface{}) (wire.Reply, error) {
	var dialer net.Dialer
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Timeout = time.Until(deadline)
	}

	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return wire.TransportError(err), err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := wire.Request{Command: command, Args: args}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return wire.TransportError(err), err
	}

	var reply wire.Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return wire.TransportError(err), err
	}

	return reply, nil
}
