package main

import (
	"os"

	"github.com/junho-song/marketdeck/cmd/deck/commands"
)

// main is the entry point for the marketdeck CLI
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
