package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/tunneld"
)

// heartbeatInterval is how often the proxy refreshes its daemon leases.
// EnsureForward membership is idempotent, so the refresh is a cheap no-op
// on the daemon side; it exists to keep the client-set entries live.
const heartbeatInterval = 60 * time.Second

// RunHeartbeat periodically re-ensures the data forwards for every
// SSH-reachable target until the context ends.
func RunHeartbeat(ctx context.Context, cfg *config.Config, tunnels *tunneld.Client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshLeases(ctx, cfg, tunnels)
		}
	}
}

func refreshLeases(ctx context.Context, cfg *config.Config, tunnels *tunneld.Client) {
	for _, target := range cfg.Targets {
		if target.SSH == "" {
			continue
		}
		forward, ok := cfg.Forward(target.Name, protocol.PurposeData)
		if !ok {
			continue
		}
		if _, err := tunnels.EnsureForward(ctx, forward); err != nil {
			slog.Warn("heartbeat ensure failed", "target", target.Name, "error", err)
		}
	}
}
