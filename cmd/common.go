// Package cmd wires the urfave/cli commands exposed by the loadbroker
// binary, grounded on the teacher's pkg/cmd/common.go (shared flags,
// process-lifetime context) but scoped down to this process's two
// commands: serve and healthcheck.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
)

// Flags are global, available to every command.
var Flags = []cli.Flag{
	cli.BoolFlag{
		Name:  "v",
		Usage: "enable debug-level logging",
	},
	cli.StringFlag{
		Name:  "config",
		Usage: "path to the broker's TOML configuration file",
		Value: "loadbroker.toml",
	},
}

// Commands are the top-level commands this binary exposes.
var Commands = []cli.Command{
	ServeCommand,
	HealthcheckCommand,
}

// ProcessContext returns a context cancelled on SIGINT/SIGTERM, so a
// command's long-running work can shut down cleanly on Ctrl-C or an
// orchestrator-issued stop.
func ProcessContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
