package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/db"
	"github.com/user/repetl/pkg/logger"
)

var testCmd = &cobra.Command{
	Use:   "test <config>",
	Short: "Check every configured connection and replication readiness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		pool := db.NewPool(logger.Nop())
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		failed := 0
		check := func(kind, name string, fn func() error) {
			if err := fn(); err != nil {
				failed++
				fmt.Printf("FAIL %s %s: %v\n", kind, name, err)
				return
			}
			fmt.Printf("OK   %s %s\n", kind, name)
		}

		for name, spec := range cfg.Sources {
			spec := spec
			check("source", name, func() error { return pool.Ping(ctx, spec) })
			check("source", name+" binlog_format", func() error {
				return expectVariable(ctx, pool, spec, "binlog_format", "ROW")
			})
			check("source", name+" log_bin", func() error {
				return expectVariable(ctx, pool, spec, "log_bin", "ON")
			})
		}
		for name, spec := range cfg.Targets {
			spec := spec
			check("target", name, func() error { return pool.Ping(ctx, spec) })
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		fmt.Println("all checks passed")
		return nil
	},
}

func expectVariable(ctx context.Context, pool *db.Pool, spec *config.DatabaseConfig, name, want string) error {
	got, err := pool.Variable(ctx, spec, name)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s is %q, need %q", name, got, want)
	}
	return nil
}
