// Package tunneld implements the tunnel daemon: it owns one SSH master
// session per target and leases local TCP forwards to clients, reference
// counted by (forward, client) so a forward survives until its last lease
// is released.
package tunneld

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/security"
	"github.com/octovalve/octovalve/internal/sshutil"
	"github.com/octovalve/octovalve/internal/util"
)

const (
	sshCommandTimeout    = 30 * time.Second
	sshConnectTimeoutSec = 10
	masterReadyTimeout   = 20 * time.Second
	masterReadyInterval  = 250 * time.Millisecond
)

// MasterController abstracts the OpenSSH control-socket operations so the
// daemon state machine can be tested with a fake. The production
// implementation shells out to the ssh binary.
type MasterController interface {
	// SpawnMaster starts a control-master session for the target and waits
	// until its control socket answers, bounded.
	SpawnMaster(ctx context.Context, target config.Target, controlPath string) error
	// CheckMaster reports whether a live master answers on the control socket.
	CheckMaster(ctx context.Context, target config.Target, controlPath string) bool
	// ForwardAdd issues "ssh -O forward" for the forward spec.
	ForwardAdd(ctx context.Context, target config.Target, controlPath string, fwd protocol.ForwardSpec) error
	// ForwardCancel issues "ssh -O cancel" for the forward spec.
	ForwardCancel(ctx context.Context, target config.Target, controlPath string, fwd protocol.ForwardSpec) error
	// ExitMaster issues "ssh -O exit", tearing the master down.
	ExitMaster(ctx context.Context, target config.Target, controlPath string) error
}

// OpenSSHController drives the system ssh binary.
type OpenSSHController struct{}

var _ MasterController = (*OpenSSHController)(nil)

// SpawnMaster launches the detached control master and polls its socket
// until ready. The child is placed in its own process group, apart from
// the daemon's; daemon shutdown stops masters with "ssh -O exit" only and
// sends no signal to that group.
func (OpenSSHController) SpawnMaster(ctx context.Context, target config.Target, controlPath string) error {
	cmd := exec.Command("ssh",
		"-N", "-T",
		"-o", "ControlMaster=yes",
		"-o", "ControlPath="+controlPath,
		"-o", "ControlPersist=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", sshConnectTimeoutSec),
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
	)
	if target.SSHPassword == "" {
		cmd.Args = append(cmd.Args, "-o", "BatchMode=yes")
	} else if err := sshutil.ApplyAskpass(cmd, target.SSHPassword); err != nil {
		return err
	}
	cmd.Args = append(cmd.Args, target.SSHArgs...)
	cmd.Args = append(cmd.Args, target.SSH)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return security.NewClassifiedError(
			fmt.Sprintf("failed to spawn ssh master for %s", target.Name),
			err.Error(),
		)
	}
	// ControlPersist re-parents the master; the foreground child exits once
	// the session is established. Reap it in the background.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(masterReadyTimeout)
	ctl := OpenSSHController{}
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ctl.CheckMaster(ctx, target, controlPath) {
			return nil
		}
		time.Sleep(masterReadyInterval)
	}
	return security.NewClassifiedError(
		fmt.Sprintf("ssh master for %s did not become ready", target.Name),
		fmt.Sprintf("control socket %s unanswered after %s", controlPath, masterReadyTimeout),
	)
}

// CheckMaster runs "ssh -O check" against the control socket.
func (OpenSSHController) CheckMaster(ctx context.Context, target config.Target, controlPath string) bool {
	cmd := controlCommand(target, controlPath, "check", nil)
	out, err := sshutil.RunWithTimeout(ctx, cmd, sshCommandTimeout, "ssh -O check")
	return err == nil && out.ExitCode == 0
}

// ForwardAdd adds a local forward on the running master.
func (OpenSSHController) ForwardAdd(ctx context.Context, target config.Target, controlPath string, fwd protocol.ForwardSpec) error {
	arg, err := forwardArg(fwd)
	if err != nil {
		return err
	}
	return runControl(ctx, target, controlPath, "forward", []string{"-L", arg}, "ssh -O forward")
}

// ForwardCancel removes a local forward on the running master.
func (OpenSSHController) ForwardCancel(ctx context.Context, target config.Target, controlPath string, fwd protocol.ForwardSpec) error {
	arg, err := forwardArg(fwd)
	if err != nil {
		return err
	}
	return runControl(ctx, target, controlPath, "cancel", []string{"-L", arg}, "ssh -O cancel")
}

// ExitMaster shuts the master down.
func (OpenSSHController) ExitMaster(ctx context.Context, target config.Target, controlPath string) error {
	return runControl(ctx, target, controlPath, "exit", nil, "ssh -O exit")
}

func runControl(ctx context.Context, target config.Target, controlPath, op string, extra []string, label string) error {
	cmd := controlCommand(target, controlPath, op, extra)
	out, err := sshutil.RunWithTimeout(ctx, cmd, sshCommandTimeout, label)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return security.NewClassifiedError(
			security.FormatSSHFailure(label, out.Stdout, out.Stderr, target.SSHPassword != ""),
			fmt.Sprintf("%s exited %d", label, out.ExitCode),
		)
	}
	return nil
}

func controlCommand(target config.Target, controlPath, op string, extra []string) *exec.Cmd {
	args := []string{
		"-S", controlPath,
		"-O", op,
	}
	args = append(args, extra...)
	args = append(args,
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", sshConnectTimeoutSec),
	)
	args = append(args, target.SSHArgs...)
	args = append(args, target.SSH)
	return exec.Command("ssh", args...)
}

func forwardArg(fwd protocol.ForwardSpec) (string, error) {
	remoteHost, remotePort, err := util.SplitHostPort(fwd.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("invalid remote_addr %s: %w", fwd.RemoteAddr, err)
	}
	return fmt.Sprintf("%s:%d:%s:%d", fwd.LocalBind, fwd.LocalPort, remoteHost, remotePort), nil
}

// ControlPath returns the per-target control socket path under dir. Target
// names are config-validated, but sanitize anyway since the name lands on
// the filesystem.
func ControlPath(dir, targetName string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, targetName)
	return filepath.Join(dir, safe+".sock")
}
