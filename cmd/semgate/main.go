// Package main is the entry point for the semgate gateway.
package main

import (
	"os"

	"github.com/semgate/semgate/cmd/semgate/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
