package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runService(ctx, nil)
	}

	switch args[0] {
	case "run":
		return runService(ctx, args[1:])
	case "vendor":
		return runVendorAdmin(ctx, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		return runService(ctx, args)
	}
}

func printUsage() {
	fmt.Println(`djula - multi-vendor messaging connection service

Usage:
  djula [flags]                    # default: run the connection service
  djula run [flags]
  djula vendor add [flags]
  djula vendor list [flags]`)
}
