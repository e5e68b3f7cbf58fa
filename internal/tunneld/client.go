package tunneld

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/wire"
)

// clientTimeout bounds one daemon request/reply exchange.
const clientTimeout = 5 * time.Second

// Client speaks the tunnel daemon's newline-delimited protocol: one
// request per connection, one response, close.
type Client struct {
	addr     string
	clientID string
}

// NewClient targets the daemon at addr, leasing forwards as clientID.
func NewClient(addr, clientID string) *Client {
	return &Client{addr: addr, clientID: clientID}
}

// ClientID returns the lease owner id.
func (c *Client) ClientID() string {
	return c.clientID
}

// EnsureForward leases the forward and returns its local address.
func (c *Client) EnsureForward(ctx context.Context, forward protocol.ForwardSpec) (string, error) {
	response, err := c.exchange(ctx, protocol.TunnelRequest{
		Type:     protocol.TunnelEnsureForward,
		ClientID: c.clientID,
		Forward:  &forward,
	})
	if err != nil {
		return "", err
	}
	switch response.Type {
	case protocol.TunnelEnsureForward:
		return response.LocalAddr, nil
	case protocol.TunnelError:
		return "", fmt.Errorf("%s", response.Message)
	default:
		return "", fmt.Errorf("unexpected daemon response type %q", response.Type)
	}
}

// ReleaseForward drops the lease; released reports whether the underlying
// forward was torn down.
func (c *Client) ReleaseForward(ctx context.Context, forward protocol.ForwardSpec) (bool, error) {
	response, err := c.exchange(ctx, protocol.TunnelRequest{
		Type:     protocol.TunnelReleaseForward,
		ClientID: c.clientID,
		Forward:  &forward,
	})
	if err != nil {
		return false, err
	}
	switch response.Type {
	case protocol.TunnelReleaseForward:
		return response.Released, nil
	case protocol.TunnelError:
		return false, fmt.Errorf("%s", response.Message)
	default:
		return false, fmt.Errorf("unexpected daemon response type %q", response.Type)
	}
}

// ListForwards reports every lease the daemon holds.
func (c *Client) ListForwards(ctx context.Context) ([]protocol.ForwardStatus, error) {
	response, err := c.exchange(ctx, protocol.TunnelRequest{Type: protocol.TunnelListForwards})
	if err != nil {
		return nil, err
	}
	switch response.Type {
	case protocol.TunnelForwards:
		return response.Items, nil
	case protocol.TunnelError:
		return nil, fmt.Errorf("%s", response.Message)
	default:
		return nil, fmt.Errorf("unexpected daemon response type %q", response.Type)
	}
}

func (c *Client) exchange(ctx context.Context, request protocol.TunnelRequest) (protocol.TunnelResponse, error) {
	dialer := net.Dialer{Timeout: clientTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return protocol.TunnelResponse{}, fmt.Errorf("connect tunnel daemon %s: %w", c.addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(clientTimeout))

	if err := wire.WriteJSONLine(conn, request); err != nil {
		return protocol.TunnelResponse{}, fmt.Errorf("send daemon request: %w", err)
	}
	var response protocol.TunnelResponse
	if err := wire.ReadJSONLine(bufio.NewReader(conn), &response); err != nil {
		return protocol.TunnelResponse{}, fmt.Errorf("read daemon response: %w", err)
	}
	return response, nil
}
