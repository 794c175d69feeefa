package main

import (
	"os"

	"github.com/hpcore/hpcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
