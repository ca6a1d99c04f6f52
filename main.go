package main

import (
	"os"

	"go.wiregrpc.io/server/cli"
)

// version is injected at build time by ldflags.
var version string

func main() {
	if version == "" {
		version = "dev"
	}
	if err := cli.Root(version).Execute(); err != nil {
		os.Exit(1)
	}
}
