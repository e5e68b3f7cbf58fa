package sshutil

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// RunInteractive starts an interactive SSH session to the destination in a
// pseudo-terminal and connects it to the operator's terminal. Blocks until
// the session ends.
//
// The PTY is required for password prompts, remote line editing, and
// terminal resizing; without it ssh falls back to a non-interactive mode.
func RunInteractive(ctx context.Context, destination string, sshArgs []string, password string) error {
	args := append([]string(nil), sshArgs...)
	args = append(args, destination)
	cmd := exec.Command("ssh", args...)
	if password != "" {
		if err := ApplyAskpass(cmd, password); err != nil {
			return err
		}
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	// Forward keystrokes into the PTY master; the goroutine ends when the
	// PTY closes after process exit.
	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()

	_, _ = io.Copy(os.Stdout, f)

	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
	}
	return cmd.Wait()
}
