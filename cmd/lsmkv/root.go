package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	addr       string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "lsmkv",
		Short:         "An LSM key-value store",
		Long:          `A single-node LSM key-value store with a write-ahead log, background memtable flushes and an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.addr, "addr", "a", "http://localhost:8080", "server address for client commands")

	rootCmd.AddCommand(
		newServeCmd(&flags),
		newReplayCmd(&flags),
		newPutCmd(&flags),
		newGetCmd(&flags),
		newDeleteCmd(&flags),
		newScanCmd(&flags),
		newStatsCmd(&flags),
		newRetryFlushCmd(&flags),
	)
	return rootCmd
}
