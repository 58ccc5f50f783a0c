package main

import (
	"os"

	"github.com/psantana5/sessiond/cmd/sessionctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
