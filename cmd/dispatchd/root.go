package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Capability-based dispatch engine",
	Long: `dispatchd routes units of work to the best available worker from a
pool, using live health state, priority, and current load, with
automatic fallback when a worker is unhealthy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8080", "address of a running dispatchd server (admin commands)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(historyCmd)
}
