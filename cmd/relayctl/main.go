package main

import (
	"os"

	"github.com/vjranagit/promrelay/cmd/relayctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
