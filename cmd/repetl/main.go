// Command repetl runs the MySQL binlog replication ETL engine.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/repetl"
	"github.com/user/repetl/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "repetl",
	Short: "MySQL binlog replication ETL engine",
	Long: `repetl tails MySQL binary logs, applies per-table mappings,
filters and transforms, and writes the rows into downstream MySQL
targets with at-least-once semantics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.SetEnvPrefix("REPETL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testCmd)
}

func newLogger() (repetl.Logger, error) {
	return logger.New(logger.Options{
		Level:  viper.GetString("log_level"),
		Format: viper.GetString("log_format"),
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
