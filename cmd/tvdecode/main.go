// Package main is the entry point for the tvdecode command.
package main

import (
	"os"

	"github.com/jmylchreest/tvdecode/cmd/tvdecode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
