// Package main starts the cargo station service and handles termination.
//
// The process accepts drawn cargo, keeps it in the configured store and
// streams station events to connected viewers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	cargocmd "github.com/louisbranch/cargo.space/internal/cmd/cargo"
	"github.com/louisbranch/cargo.space/internal/platform/config"
)

func main() {
	cfg, err := cargocmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cargocmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
