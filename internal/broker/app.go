package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Options is the broker's command-line surface.
type Options struct {
	ListenAddr  string
	ControlAddr string
	ConfigPath  string
	AuditDir    string
	AutoApprove bool
	LogToStderr bool
}

// Run assembles and drives the broker until a signal, idle shutdown, or
// context cancellation. Bind and config failures return an error (non-zero
// exit); a normal shutdown returns nil.
func Run(ctx context.Context, opts Options) error {
	if err := InitLogging(opts.AuditDir, opts.LogToStderr); err != nil {
		return err
	}

	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.AutoApprove {
		cfg.AutoApproveAllowed = true
	}
	whitelist, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		return fmt.Errorf("invalid whitelist config: %w", err)
	}

	if err := os.MkdirAll(opts.AuditDir, 0o755); err != nil {
		return fmt.Errorf("create audit dir %s: %w", opts.AuditDir, err)
	}
	history := LoadHistory(opts.AuditDir, cfg.Limits.MaxOutputBytes, historyLimit)
	slog.Info("history rehydrated", "entries", len(history))

	service := NewService(cfg, whitelist, opts.AuditDir, history)
	activity := NewActivityTracker()

	dataServer, err := NewDataServer(opts.ListenAddr, service, activity)
	if err != nil {
		return fmt.Errorf("bind data listener %s: %w", opts.ListenAddr, err)
	}
	controlServer, err := NewControlServer(opts.ControlAddr, service, activity)
	if err != nil {
		return fmt.Errorf("bind control listener %s: %w", opts.ControlAddr, err)
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go service.Run(runCtx)
	go dataServer.Run(runCtx)
	go controlServer.Run(runCtx)
	go activity.RunIdleShutdown(runCtx, time.Duration(cfg.Limits.IdleShutdownSecs)*time.Second, cancel)

	slog.Info("broker started",
		"data_addr", dataServer.Addr(),
		"control_addr", controlServer.Addr(),
		"auto_approve_allowed", cfg.AutoApproveAllowed,
	)
	<-runCtx.Done()
	slog.Info("broker stopped")
	return nil
}
