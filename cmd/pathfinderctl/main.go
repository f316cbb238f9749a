package main

import (
	"os"

	"github.com/pathfinder/pathfinder/cmd/pathfinderctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
