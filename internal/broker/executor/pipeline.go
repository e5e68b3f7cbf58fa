package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/octovalve/octovalve/internal/protocol"
)

func runPipeline(ctx context.Context, request protocol.CommandRequest, opts Options) (execResult, bool, error) {
	stdoutFile, err := createLockedFile(opts.StdoutPath)
	if err != nil {
		return execResult{}, false, fmt.Errorf("create stdout file: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := createLockedFile(opts.StderrPath)
	if err != nil {
		return execResult{}, false, fmt.Errorf("create stderr file: %w", err)
	}
	defer stderrFile.Close()

	stages := request.Pipeline
	cmds := make([]*exec.Cmd, 0, len(stages))
	for _, stage := range stages {
		command := stage.Command()
		if command == "" {
			return execResult{}, false, fmt.Errorf("empty command")
		}
		resolved := resolveCommandPath(command)
		cmd := exec.Command(resolved, stage.Argv[1:]...)
		cmd.Dir = request.Cwd
		cmd.Env = buildEnv(request.Env)
		applyProcessGroup(cmd)
		cmds = append(cmds, cmd)
	}

	// Adjacent stages share a real OS pipe; only the last stage's stdout is
	// captured. The first stage's stdin stays detached.
	var parentEnds []*os.File
	closeParentEnds := func() {
		for _, f := range parentEnds {
			_ = f.Close()
		}
		parentEnds = nil
	}
	for i := 0; i < len(cmds)-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return execResult{}, false, fmt.Errorf("pipe: %w", err)
		}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		parentEnds = append(parentEnds, pr, pw)
	}
	cmds[0].Stdin = nil

	lastStdout, err := cmds[len(cmds)-1].StdoutPipe()
	if err != nil {
		closeParentEnds()
		return execResult{}, false, err
	}
	stderrPipes := make([]io.ReadCloser, len(cmds))
	for i, cmd := range cmds {
		pipe, err := cmd.StderrPipe()
		if err != nil {
			closeParentEnds()
			return execResult{}, false, err
		}
		stderrPipes[i] = pipe
	}

	started := 0
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			closeParentEnds()
			reapStarted(cmds[:started])
			return execResult{}, false, fmt.Errorf("spawn %s (%s): %w", stages[i].Command(), cmd.Path, err)
		}
		started++
	}
	// The children hold their pipe ends now; the parent's copies must close
	// so EOF propagates stage to stage.
	closeParentEnds()

	var outSink streamSink
	errSinks := make([]streamSink, len(cmds))
	var captures errgroup.Group
	captures.Go(func() error {
		sink, err := captureStream(lastStdout, opts.MaxOutputBytes, stdoutFile)
		outSink = sink
		return err
	})
	for i := range cmds {
		pipe := stderrPipes[i]
		idx := i
		captures.Go(func() error {
			sink, err := captureStream(pipe, opts.MaxOutputBytes, stderrFile)
			errSinks[idx] = sink
			return err
		})
	}
	captureDone := make(chan struct{})
	go func() {
		_ = captures.Wait()
		close(captureDone)
	}()

	cancelled := false
	select {
	case <-captureDone:
	case <-ctx.Done():
		cancelled = true
		terminate(cmds, captureDone)
	}

	// The reported exit code is the last stage's; intermediate failures
	// surface through stderr capture only.
	for _, cmd := range cmds {
		_ = cmd.Wait()
	}
	result := execResult{
		exitCode: exitCodeOf(cmds[len(cmds)-1]),
		stdout:   outSink.text(),
		stderr:   joinStderr(errSinks),
	}
	return result, cancelled, nil
}

// reapStarted cleans up after a mid-pipeline spawn failure.
func reapStarted(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		signalGroup(cmd, syscall.SIGKILL)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	for _, cmd := range cmds {
		_ = cmd.Wait()
	}
}

// resolveCommandPath resolves bare command names against the fixed system
// directories; anything containing a path separator is used as-is.
func resolveCommandPath(command string) string {
	if strings.Contains(command, "/") {
		return command
	}
	for _, dir := range []string{"/usr/bin", "/bin", "/usr/sbin", "/sbin"} {
		candidate := filepath.Join(dir, command)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return command
}
