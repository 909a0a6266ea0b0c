package main

import (
	"os"

	"github.com/justyntemme/gesturebeats/internal/cli"
	"github.com/justyntemme/gesturebeats/internal/output"
)

func main() {
	if err := cli.NewRootCmd(&cli.Dependencies{}).Execute(); err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
