package proxy

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/tunneld"
)

// Options is the proxy's command-line surface.
type Options struct {
	ConfigPath string
	ClientID   string
	ListenAddr string
	DaemonAddr string
}

// Run assembles the proxy: agent listener, daemon client, heartbeat.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	tunnels := tunneld.NewClient(opts.DaemonAddr, opts.ClientID)
	commands := NewCommandClient(cfg, tunnels)
	server, err := NewAgentServer(opts.ListenAddr, opts.ClientID, cfg.DefaultTarget, commands)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go RunHeartbeat(runCtx, cfg, tunnels)
	go server.Run(runCtx)

	slog.Info("proxy started", "agent_addr", server.Addr(), "daemon_addr", opts.DaemonAddr, "client_id", opts.ClientID)
	<-runCtx.Done()

	// Drop the leases so the daemon can tear idle forwards down promptly.
	releaseCtx := context.Background()
	for _, target := range cfg.Targets {
		if target.SSH == "" {
			continue
		}
		if forward, ok := cfg.Forward(target.Name, protocol.PurposeData); ok {
			if _, err := tunnels.ReleaseForward(releaseCtx, forward); err != nil {
				slog.Warn("release forward failed", "target", target.Name, "error", err)
			}
		}
	}
	slog.Info("proxy stopped")
	return nil
}
