package main

import (
	"os"

	"github.com/arenahq/crucible/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
