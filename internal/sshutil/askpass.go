// Package sshutil launches SSH processes for the octovalve daemons.
//
// It does NOT implement the SSH protocol — it shells out to the system's
// "ssh" binary so the full OpenSSH feature set (config resolution, agents,
// ProxyJump, ControlMaster multiplexing) comes for free. Password
// authentication, when configured, runs through an SSH_ASKPASS helper
// script instead of embedding secrets in argv; keyboard-interactive and
// 2FA cannot be automated this way and surface a diagnostic instead (see
// internal/security.SSHAuthHint).
package sshutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/octovalve/octovalve/internal/appconfig"
)

// askpassScript reads the password from the environment so the secret never
// appears in the process table or on disk.
const askpassScript = "#!/bin/sh\nprintf '%s' \"$OCTOVALVE_SSH_PASS\"\n"

// EnsureAskpassScript materializes the askpass helper under the per-user
// state dir with owner-only permissions, rewriting it only when the content
// drifted. Returns the script path.
func EnsureAskpassScript() (string, error) {
	dir, err := appconfig.StateDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir for askpass: %w", err)
	}
	path := filepath.Join(dir, "ssh-askpass.sh")
	if existing, err := os.ReadFile(path); err != nil || string(existing) != askpassScript {
		if err := os.WriteFile(path, []byte(askpassScript), 0o700); err != nil {
			return "", fmt.Errorf("write askpass script: %w", err)
		}
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return "", err
	}
	return path, nil
}

// AskpassEnv returns the environment entries that coerce OpenSSH into
// reading the password from the helper script: SSH_ASKPASS_REQUIRE=force
// plus a dummy DISPLAY cover both old and new openssh behaviors.
func AskpassEnv(password string) ([]string, error) {
	script, err := EnsureAskpassScript()
	if err != nil {
		return nil, err
	}
	return []string{
		"OCTOVALVE_SSH_PASS=" + password,
		"SSH_ASKPASS=" + script,
		"SSH_ASKPASS_REQUIRE=force",
		"DISPLAY=1",
	}, nil
}

// ApplyAskpass configures cmd for askpass password auth.
func ApplyAskpass(cmd *exec.Cmd, password string) error {
	env, err := AskpassEnv(password)
	if err != nil {
		return err
	}
	cmd.Env = append(os.Environ(), env...)
	return nil
}

// EnsureSSHBinary checks that the "ssh" binary is available on the system
// PATH. Called early during startup so misconfiguration fails with a clear
// message rather than a confusing exec error later.
func EnsureSSHBinary() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return fmt.Errorf("ssh binary not found in PATH")
	}
	return nil
}
