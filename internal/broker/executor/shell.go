package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/octovalve/octovalve/internal/protocol"
)

func runShell(ctx context.Context, request protocol.CommandRequest, opts Options) (execResult, bool, error) {
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

	cmd := exec.Command("/bin/bash", "-lc", request.RawCommand)
	cmd.Dir = request.Cwd
	cmd.Env = buildEnv(request.Env)
	cmd.Stdin = nil
	applyProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return execResult{}, false, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return execResult{}, false, err
	}
	if err := cmd.Start(); err != nil {
		return execResult{}, false, fmt.Errorf("spawn /bin/bash -lc: %w", err)
	}

	var outSink, errSink streamSink
	var captures errgroup.Group
	captures.Go(func() error {
		sink, err := captureStream(stdout, opts.MaxOutputBytes, stdoutFile)
		outSink = sink
		return err
	})
	captures.Go(func() error {
		sink, err := captureStream(stderr, opts.MaxOutputBytes, stderrFile)
		errSink = sink
		return err
	})
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
		terminate([]*exec.Cmd{cmd}, captureDone)
	}
	_ = cmd.Wait()

	result := execResult{
		exitCode: exitCodeOf(cmd),
		stdout:   outSink.text(),
		stderr:   joinStderr([]streamSink{errSink}),
	}
	return result, cancelled, nil
}

// exitCodeOf extracts the exit code, or nil when the process was killed by
// a signal (no code to report).
func exitCodeOf(cmd *exec.Cmd) *int {
	ps := cmd.ProcessState
	if ps == nil {
		return nil
	}
	if ps.Exited() {
		code := ps.ExitCode()
		return &code
	}
	return nil
}

// buildEnv layers the request's environment over the broker's own. A nil
// request env inherits unchanged.
func buildEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := os.Environ()
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
