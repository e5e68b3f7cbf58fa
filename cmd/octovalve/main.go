// Package main is the entry point for the octovalve binary.
//
// octovalve is a human-in-the-loop remote command execution fabric: agents
// submit commands through a local proxy, a per-target broker queues them
// for operator approval and executes them with output and timeout limits,
// and the operator console watches every broker over its control channel.
// Each cooperating process is a subcommand of this one binary; see
// internal/cli for the command tree.
package main

import (
	"fmt"
	"os"

	"github.com/octovalve/octovalve/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
