// Package cli provides the command-line interface for octovalve, built
// with Cobra.
//
// One binary hosts every process in the fabric; each subcommand runs one:
//
//	octovalve broker         → remote broker (runs on the target host)
//	octovalve tunnel-daemon  → SSH forward-leasing daemon (operator machine)
//	octovalve proxy          → local agent proxy (operator machine)
//	octovalve console        → operator console with approval dashboard
//	octovalve shell <target> → interactive SSH session to a target
//	octovalve doctor         → local environment diagnostics
//
// The processes share backend packages (internal/config, internal/tunneld,
// internal/broker, internal/console); the CLI only parses flags and wires
// them together.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/octovalve/octovalve/internal/appconfig"
	"github.com/octovalve/octovalve/internal/broker"
	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/console"
	"github.com/octovalve/octovalve/internal/doctor"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/proxy"
	"github.com/octovalve/octovalve/internal/security"
	"github.com/octovalve/octovalve/internal/sshutil"
	"github.com/octovalve/octovalve/internal/tunneld"
	"github.com/octovalve/octovalve/internal/ui"
)

// defaultWireConfig is the shared target inventory used by the daemon,
// proxy, and console.
const defaultWireConfig = "config/octovalve.toml"

// NewRootCommand creates the top-level Cobra command for octovalve.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "octovalve",
		Short:        "Human-in-the-loop remote command execution fabric",
		SilenceUsage: true,
	}
	root.AddCommand(newBrokerCmd())
	root.AddCommand(newTunnelDaemonCmd())
	root.AddCommand(newProxyCmd())
	root.AddCommand(newConsoleCmd())
	root.AddCommand(newShellCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

func newBrokerCmd() *cobra.Command {
	opts := broker.Options{}
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the remote command broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return broker.Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ListenAddr, "listen-addr", "127.0.0.1:19307", "data listener address")
	cmd.Flags().StringVar(&opts.ControlAddr, "control-addr", "127.0.0.1:19308", "control listener address")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "config/config.toml", "broker TOML config path")
	cmd.Flags().StringVar(&opts.AuditDir, "audit-dir", "logs", "directory for audit records and stream files")
	cmd.Flags().BoolVar(&opts.AutoApprove, "auto-approve", false, "force the allow-list auto-approve fast path on")
	cmd.Flags().BoolVar(&opts.LogToStderr, "log-to-stderr", false, "mirror logs to stderr")
	return cmd
}

func newTunnelDaemonCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		controlDir string
	)
	cmd := &cobra.Command{
		Use:   "tunnel-daemon",
		Short: "Run the SSH forward-leasing daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sshutil.EnsureSSHBinary(); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dir := controlDir
			if dir == "" {
				if dir, err = appconfig.ControlSocketDir(); err != nil {
					return err
				}
			} else if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			state := tunneld.NewState(cfg, dir, tunneld.OpenSSHController{})
			server, err := tunneld.NewServer(listenAddr, state)
			if err != nil {
				return fmt.Errorf("bind %s: %w", listenAddr, err)
			}
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultWireConfig, "target inventory TOML path")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", protocol.DefaultTunnelDaemonAddr, "daemon listen address")
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "ssh control socket directory (default: state dir)")
	return cmd
}

func newProxyCmd() *cobra.Command {
	opts := proxy.Options{}
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the local agent proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return proxy.Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", defaultWireConfig, "target inventory TOML path")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "octovalve-proxy", "client id for daemon leases and requests")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen-addr", "127.0.0.1:19320", "agent JSON-RPC listen address")
	cmd.Flags().StringVar(&opts.DaemonAddr, "daemon-addr", protocol.DefaultTunnelDaemonAddr, "tunnel daemon address")
	return cmd
}

func newConsoleCmd() *cobra.Command {
	opts := console.Options{}
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RunUI = ui.Run
			return console.Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", defaultWireConfig, "target inventory TOML path")
	cmd.Flags().StringVar(&opts.DaemonAddr, "daemon-addr", protocol.DefaultTunnelDaemonAddr, "tunnel daemon address")
	cmd.Flags().BoolVar(&opts.Headless, "headless", false, "run without the dashboard")
	return cmd
}

func newShellCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "shell <target>",
		Short: "Open an interactive SSH session to a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sshutil.EnsureSSHBinary(); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			target, ok := cfg.Target(args[0])
			if !ok {
				return fmt.Errorf("unknown target %s", args[0])
			}
			if target.SSH == "" {
				return fmt.Errorf("target %s has no ssh destination", target.Name)
			}
			err = sshutil.RunInteractive(cmd.Context(), target.SSH, target.SSHArgs, target.SSHPassword)
			if err != nil {
				slog.Warn("interactive session ended with error", "target", target.Name, "error", err)
				return fmt.Errorf("%s", security.UserMessage(err, true))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultWireConfig, "target inventory TOML path")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var (
		configPath string
		daemonAddr string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local octovalve environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(configPath, daemonAddr)
			if err != nil {
				return err
			}
			if asJSON {
				payload, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			} else if len(report.Issues) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no issues found")
			} else {
				for _, issue := range report.Issues {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s (%s): %s\n    fix: %s\n",
						issue.Severity, issue.Check, issue.Target, issue.Message, issue.Recommendation)
				}
			}
			if report.HasHigh() {
				return fmt.Errorf("high severity issues found")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultWireConfig, "target inventory TOML path")
	cmd.Flags().StringVar(&daemonAddr, "daemon-addr", protocol.DefaultTunnelDaemonAddr, "tunnel daemon address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	return cmd
}
