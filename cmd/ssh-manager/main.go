// Package main is the entry point for the ssh-manager binary: a CLI exposing
// the session manager's command surface (instances, import, connect,
// disconnect, status, logs, serve, doctor, security audit).
//
// Usage:
//
//	ssh-manager instances get
//	ssh-manager connect <id>
//	ssh-manager serve
//
// The command tree is constructed in internal/cli. This file wires it up and
// handles top-level error reporting.
package main

import (
	"fmt"
	"os"

	"github.com/shekohex/openchamber/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()

	// Any error returned by a RunE handler is printed to stderr and the
	// process exits with a non-zero status code.
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
