// Package proxy implements the local proxy: it accepts command requests
// from external agents over a thin JSON-RPC boundary, provisions data
// forwards through the tunnel daemon, and relays framed CommandRequests to
// the right broker.
package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/tunneld"
	"github.com/octovalve/octovalve/internal/wire"
)

// CommandClient sends framed CommandRequests to brokers, resolving each
// target's data endpoint through the tunnel daemon when the target is
// SSH-reachable.
type CommandClient struct {
	cfg     *config.Config
	tunnels *tunneld.Client

	// waitSlack pads the proxy's own wait beyond the broker-enforced
	// timeout. The broker owns the canonical deadline; the proxy only
	// bounds how long it is willing to hold the agent's call.
	waitSlack time.Duration
}

// NewCommandClient wires the proxy's command path.
func NewCommandClient(cfg *config.Config, tunnels *tunneld.Client) *CommandClient {
	return &CommandClient{cfg: cfg, tunnels: tunnels, waitSlack: 10 * time.Second}
}

// Execute submits the request to its target's broker and waits for the
// response. Defaults for timeout_ms and max_output_bytes come from the
// configuration's [defaults] table when the request leaves them unset; the
// same values apply to every target, which has no override of its own.
//
// No retry after submission: once the frame is written the broker may
// already be running the command, so any network failure surfaces as an
// error response to the agent instead.
func (c *CommandClient) Execute(ctx context.Context, request protocol.CommandRequest) (protocol.CommandResponse, error) {
	target, ok := c.cfg.Target(request.Target)
	if !ok {
		return protocol.CommandResponse{}, fmt.Errorf("unknown target %s", request.Target)
	}
	forward, ok := c.cfg.Forward(request.Target, protocol.PurposeData)
	if !ok {
		return protocol.CommandResponse{}, fmt.Errorf("target %s has no data forward", request.Target)
	}

	if request.TimeoutMS == 0 {
		request.TimeoutMS = c.cfg.TimeoutMS
	}
	if request.MaxOutputBytes == 0 {
		request.MaxOutputBytes = c.cfg.MaxOutputBytes
	}

	addr := forward.RemoteAddr
	if target.SSH != "" {
		leased, err := c.tunnels.EnsureForward(ctx, forward)
		if err != nil {
			return protocol.CommandResponse{}, fmt.Errorf("ensure data forward: %w", err)
		}
		addr = leased
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.CommandResponse{}, fmt.Errorf("connect broker %s: %w", addr, err)
	}
	conn := wire.NewConn(raw)
	defer conn.Close()

	wait := time.Duration(request.TimeoutMS)*time.Millisecond + c.waitSlack
	_ = raw.SetDeadline(time.Now().Add(wait))

	if err := conn.WriteJSON(request); err != nil {
		return protocol.CommandResponse{}, fmt.Errorf("send command request: %w", err)
	}
	// One fresh connection per request: the first frame back is ours, but
	// match the id anyway so a shared-connection broker can't confuse us.
	for {
		var response protocol.CommandResponse
		if err := conn.ReadJSON(&response); err != nil {
			return protocol.CommandResponse{}, fmt.Errorf("read command response: %w", err)
		}
		if response.ID == "" || response.ID == request.ID {
			return response, nil
		}
	}
}
