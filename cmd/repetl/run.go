package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <config>",
	Short: "Run the replication engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		sup := engine.NewSupervisor(cfg, log)
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := sup.Start(ctx); err != nil {
			return err
		}

		var monitoring *api.Server
		if cfg.Monitoring.Port > 0 {
			monitoring = api.NewServer(cfg.Monitoring.Port, log, sup.Health)
			go monitoring.Start()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("signal received, shutting down", "signal", sig.String())

		if monitoring != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			monitoring.Shutdown(shutdownCtx)
			shutdownCancel()
		}
		sup.Stop()
		return nil
	},
}
