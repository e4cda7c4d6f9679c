package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mealsync",
	Short: "Offline-first sync engine for meal captures",
	Long: `mealsync queues meal photos while the device is offline, uploads them
with network-aware compression once connectivity returns, and keeps a local
cache of analyses, history and weekly insights.

Examples:
  # Run the daemon with the control API
  mealsync serve --config configs/config.yaml

  # Queue a photo and run one pass
  mealsync enqueue ./lunch.jpg && mealsync sync

  # Export cached meals to XLSX
  mealsync export`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $CONFIG_PATH or configs/config.yaml)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
