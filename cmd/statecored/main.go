// Command statecored runs the controller runtime.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/comalice/statecore/internal/config"

	statecoredcmd "github.com/comalice/statecore/internal/cmd/statecored"
)

func main() {
	cfg, err := statecoredcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = config.RunWithTelemetry(ctx, statecoredcmd.ServiceName, func(ctx context.Context) error {
		return statecoredcmd.Run(ctx, cfg, statecoredcmd.Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
	})
	if err != nil {
		config.Exitf("Error: %v", err)
	}
}
