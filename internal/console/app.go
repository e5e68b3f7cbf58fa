package console

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/octovalve/octovalve/internal/appconfig"
	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/tunneld"
)

// Options is the console's command-line surface.
type Options struct {
	ConfigPath string
	DaemonAddr string
	Headless   bool
	// RunUI is invoked with the live state when Headless is false. Kept as
	// a hook so the dashboard package stays a consumer of this one.
	RunUI func(*State, int) error
}

// Run starts the per-target supervisors and, unless headless, hands the
// terminal to the dashboard.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	prefs, err := appconfig.Load()
	if err != nil {
		slog.Warn("failed to load app config, using defaults", "error", err)
		prefs = appconfig.Default()
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state := NewState(cfg)
	tunnels := tunneld.NewClient(opts.DaemonAddr, prefs.ClientID)
	SpawnTargetWorkers(runCtx, cfg, state, tunnels)
	slog.Info("console started", "targets", len(cfg.Targets), "daemon_addr", opts.DaemonAddr)

	if opts.Headless || opts.RunUI == nil {
		<-runCtx.Done()
		return nil
	}
	return opts.RunUI(state, prefs.UI.RefreshSeconds)
}
