// Command statereplay replays a journal or command script and prints the
// resulting controller state.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/comalice/statecore/internal/config"

	statereplaycmd "github.com/comalice/statecore/internal/cmd/statereplay"
)

func main() {
	cfg, err := statereplaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := statereplaycmd.Run(ctx, cfg, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
