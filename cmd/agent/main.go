// Package main is the entry point for the SpotVortex governor.
// The governor ranks spot pools by price and interruption risk and replaces
// capacity without ever dropping below the desired size.
package main

import (
	"os"

	"github.com/softcane/spot-vortex-governor/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
