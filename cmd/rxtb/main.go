package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jesperrix/rixtribute/internal/cli"
	"github.com/jesperrix/rixtribute/internal/o11y"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up tracing: %v\n", err)
	}

	err = cli.Execute(ctx, version, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	_ = shutdown(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
