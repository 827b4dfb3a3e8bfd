// Package memoryxcmder
package memoryxcmder

import (
	"github.com/spf13/cobra"

	servecmder "github.com/memoryx/memoryx/cmd/memoryx/serve"
	sweepcmder "github.com/memoryx/memoryx/cmd/memoryx/sweep"
	versioncmder "github.com/memoryx/memoryx/cmd/version"
)

const memoryxLongDesc string = `MemoryX is a persistent cognitive-memory backend for AI agents.

Run services using:
  memoryx serve        Run the API server and ingestion workers
  memoryx sweep        Run one drift-sweep pass and exit`

const memoryxShortDesc string = "MemoryX - Agent Memory Backend"

func NewMemoryxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memoryx",
		Short: memoryxShortDesc,
		Long:  memoryxLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Config directory containing config.toml")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(sweepcmder.NewSweepCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
