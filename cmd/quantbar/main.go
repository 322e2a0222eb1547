package main

import (
	"os"

	"quantbar/cmd/quantbar/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
