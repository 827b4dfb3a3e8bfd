// Package sweepcmder provides the memoryx sweep cobra command.
package sweepcmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memoryx/memoryx/pkg/app"
	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/logger"
)

type sweepCommander struct {
	configDir string
	debug     bool
}

const sweepLongDesc string = `Run one drift-sweep pass: compare the vector index and the graph's
link set against the relational store for every owner partition, delete
orphans, and restore missing entries. Exits when the pass completes.`

const sweepShortDesc string = "Run one drift-sweep pass and exit"

func NewSweepCmd() *cobra.Command {
	cmder := &sweepCommander{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: sweepShortDesc,
		Long:  sweepLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("could not get config flag: %v", err)
			}

			return cmder.run()
		},
	}

	return cmd
}

func (c *sweepCommander) run() error {
	cfg, err := config.Load(c.configDir)
	if err != nil {
		return err
	}

	log := logger.NewLogger(c.debug || cfg.Debug)
	defer log.Sync()

	ctx := context.Background()
	system, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer system.Close()

	report, err := system.Reconciler.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("orphan vectors removed: %d\norphan links removed: %d\nvectors restored: %d\nlinks restored: %d\n",
		report.OrphanVectors, report.OrphanLinks, report.MissingVectors, report.MissingLinks)
	return nil
}
