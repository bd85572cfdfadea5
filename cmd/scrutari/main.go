// Package main is the entry point for the scrutari CLI.
package main

import (
	"os"

	"github.com/scrutari/scrutari/cmd/scrutari/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
