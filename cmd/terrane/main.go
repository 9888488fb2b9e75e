package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/terrane-dev/terrane/cmd/terrane/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Create context that cancels on interrupt signals. A cancelled run
	// lets in-flight provider operations finish and records the rest as
	// skipped before exiting.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	os.Exit(commands.ExitCode(err))
}
