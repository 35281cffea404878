// Package main is the entry point for the fleetbroker service.
//
// fleetbroker accepts capacity requests from a batch scheduler, provisions
// machines through the configured cloud providers and reconciles each
// request until it settles.
//
// Commands: serve, templates validate, version.
package main

import (
	"fmt"
	"os"

	"github.com/seantiz/fleetbroker/cmd/fleetbroker/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
