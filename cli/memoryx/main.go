package main

import (
	"os"

	memoryxcmder "github.com/memoryx/memoryx/cmd/memoryx"
)

func main() {
	cmd := memoryxcmder.NewMemoryxCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
