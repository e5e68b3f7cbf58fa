package protocol

import "fmt"

// DefaultTunnelDaemonAddr is the tunnel daemon's default listen address.
const DefaultTunnelDaemonAddr = "127.0.0.1:19310"

// ForwardPurpose labels what a forward carries.
type ForwardPurpose string

const (
	// PurposeData forwards carry command frames (proxy to broker).
	PurposeData ForwardPurpose = "data"
	// PurposeControl forwards carry snapshots and events (console to broker).
	PurposeControl ForwardPurpose = "control"
)

// ForwardSpec identifies one local-to-remote TCP forward leased through an
// SSH master. The full tuple is the canonical identity used for
// reference counting.
type ForwardSpec struct {
	Target     string         `json:"target"`
	Purpose    ForwardPurpose `json:"purpose"`
	LocalBind  string         `json:"local_bind"`
	LocalPort  uint16         `json:"local_port"`
	RemoteAddr string         `json:"remote_addr"`
}

// LocalAddr returns the forward's local endpoint as "bind:port".
func (f ForwardSpec) LocalAddr() string {
	return fmt.Sprintf("%s:%d", f.LocalBind, f.LocalPort)
}

// Daemon protocol type tags.
const (
	TunnelEnsureForward  = "ensure_forward"
	TunnelReleaseForward = "release_forward"
	TunnelListForwards   = "list_forwards"
	TunnelForwards       = "forwards"
	TunnelError          = "error"
)

// TunnelRequest is one newline-delimited daemon request. Forward is set for
// ensure/release; ClientID identifies the leasing client.
type TunnelRequest struct {
	Type     string       `json:"type"`
	ClientID string       `json:"client_id,omitempty"`
	Forward  *ForwardSpec `json:"forward,omitempty"`
}

// ForwardStatus reports one leased forward and its client set.
type ForwardStatus struct {
	Forward ForwardSpec `json:"forward"`
	Clients []string    `json:"clients"`
}

// TunnelResponse is one newline-delimited daemon reply.
type TunnelResponse struct {
	Type      string          `json:"type"`
	LocalAddr string          `json:"local_addr,omitempty"`
	Reused    bool            `json:"reused,omitempty"`
	Released  bool            `json:"released,omitempty"`
	Items     []ForwardStatus `json:"items,omitempty"`
	Message   string          `json:"message,omitempty"`
}
