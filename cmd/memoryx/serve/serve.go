// Package servecmder provides the memoryx serve cobra command.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/api"
	"github.com/memoryx/memoryx/pkg/app"
	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/logger"
)

type serveCommander struct {
	listen    string
	configDir string
	debug     bool
	logger    *zap.Logger
}

const serveLongDesc string = `Run the MemoryX API server together with the ingestion workers,
the drift sweeper, and the community-detection job.`

const serveShortDesc string = "Run the MemoryX server"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
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

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address for the API server to listen on (overrides config)")

	return cmd
}

func (c *serveCommander) run() error {
	cfg, err := config.Load(c.configDir)
	if err != nil {
		return err
	}
	if c.listen != "" {
		cfg.Listen = c.listen
	}
	if c.debug {
		cfg.Debug = true
	}

	c.logger = logger.NewLogger(cfg.Debug)
	defer c.logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	system, err := app.Build(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	defer system.Close()

	server := api.NewServer(api.Config{
		ListenAddr:        cfg.Listen,
		SecretKey:         cfg.SecretKey,
		IdempotencyWindow: cfg.Pipeline.IdempotencyWindow,
	}, api.Deps{
		Store:      system.Store,
		Queue:      system.Queue,
		Retriever:  system.Retriever,
		Reconciler: system.Reconciler,
		Envelope:   system.Envelope,
	}, c.logger)

	errs := make(chan error, 1)

	go func() {
		if err := system.Worker.Run(ctx); err != nil {
			errs <- fmt.Errorf("ingestion worker: %w", err)
		}
	}()
	go system.Reconciler.RunSweeper(ctx, cfg.Pipeline.SweepInterval)
	go system.Community.RunPeriodic(ctx, cfg.Pipeline.CommunityInterval)
	go func() {
		if err := server.Run(); err != nil {
			errs <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
		return server.Shutdown()
	case err := <-errs:
		cancel()
		server.Shutdown()
		return err
	}
}
