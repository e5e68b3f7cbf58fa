// Package executor runs approved commands with output caps, timeouts, and
// cooperative cancellation.
//
// Two modes exist: shell mode spawns /bin/bash -lc with the raw command
// text; argv mode builds a POSIX pipeline from the request's stages. In
// both modes every child is placed in its own session (setsid) so a cancel
// can signal the whole process group, and both output streams are tapped
// concurrently: each chunk goes to the on-disk {id}.stdout / {id}.stderr
// file while an in-memory copy accumulates up to the byte cap.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/octovalve/octovalve/internal/protocol"
)

// Options bound a single execution.
type Options struct {
	// Timeout is the wall-clock limit; on expiry the run is cancelled and
	// the response is an error with all collected output discarded.
	Timeout time.Duration
	// MaxOutputBytes caps each in-memory stream buffer. On-disk files are
	// not capped.
	MaxOutputBytes int
	// StdoutPath and StderrPath receive the live stream copies.
	StdoutPath string
	StderrPath string
}

// execResult carries a finished run's streams and exit status.
type execResult struct {
	exitCode *int
	stdout   string
	stderr   string
}

// Execute runs the request to completion and maps the outcome onto a
// CommandResponse. ctx is the request's cancellation token: when it fires,
// children receive SIGINT on their process groups, then SIGKILL after a
// short grace period, and the response reports cancelled with whatever
// output was collected.
func Execute(ctx context.Context, request protocol.CommandRequest, opts Options) protocol.CommandResponse {
	if ctx.Err() != nil {
		return protocol.CancelledResponse(request.ID, nil, "", "")
	}
	switch request.Mode {
	case protocol.ModeShell:
		if request.RawCommand == "" {
			return protocol.ErrorResponse(request.ID, "raw_command is empty")
		}
	case protocol.ModeArgv:
		if len(request.Pipeline) == 0 {
			return protocol.ErrorResponse(request.ID, "pipeline is empty")
		}
	default:
		return protocol.ErrorResponse(request.ID, fmt.Sprintf("unknown mode %q", request.Mode))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var timedOut atomic.Bool
	timer := time.AfterFunc(opts.Timeout, func() {
		timedOut.Store(true)
		cancelRun()
	})
	defer timer.Stop()

	var result execResult
	var cancelled bool
	var err error
	switch request.Mode {
	case protocol.ModeShell:
		result, cancelled, err = runShell(runCtx, request, opts)
	case protocol.ModeArgv:
		result, cancelled, err = runPipeline(runCtx, request, opts)
	}

	if timedOut.Load() {
		// The cap is wall clock, not output: whatever was collected is
		// discarded from the response. The on-disk files keep it.
		return protocol.ErrorResponse(request.ID, "command timed out")
	}
	if err != nil {
		return protocol.ErrorResponse(request.ID, err.Error())
	}
	if cancelled {
		return protocol.CancelledResponse(request.ID, result.exitCode, result.stdout, result.stderr)
	}
	exitCode := 1
	if result.exitCode != nil {
		exitCode = *result.exitCode
	}
	return protocol.CompletedResponse(request.ID, exitCode, result.stdout, result.stderr)
}

// EffectiveOptions derives the run bounds from the request's overrides and
// the broker's configured limits.
func EffectiveOptions(request protocol.CommandRequest, timeoutSecs, maxOutputBytes uint64, stdoutPath, stderrPath string) Options {
	timeout := time.Duration(timeoutSecs) * time.Second
	if request.TimeoutMS > 0 {
		timeout = time.Duration(request.TimeoutMS) * time.Millisecond
	}
	maxBytes := maxOutputBytes
	if request.MaxOutputBytes > 0 && request.MaxOutputBytes < maxBytes {
		maxBytes = request.MaxOutputBytes
	}
	return Options{
		Timeout:        timeout,
		MaxOutputBytes: int(maxBytes),
		StdoutPath:     stdoutPath,
		StderrPath:     stderrPath,
	}
}
