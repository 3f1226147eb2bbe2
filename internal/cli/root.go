// Package cli wires configuration, state, and the control-plane components
// into the sendonce binary.
package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServe(ctx, nil)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "admin-token":
		return runAdminToken()
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		return runServe(ctx, args)
	}
}
