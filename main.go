package main

import (
	"os"

	"github.com/recall-io/recall/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
