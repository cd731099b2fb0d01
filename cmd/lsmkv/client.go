package main

import (
	"encoding/json"
	"fmt"
	"lsmkv/pkg/client"

	"github.com/spf13/cobra"
)

func newPutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.NewHTTPStore(flags.addr).PutString(cmd.Context(), args[0], args[1])
		},
	}
}

func newGetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, ok, err := client.NewHTTPStore(flags.addr).GetString(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.NewHTTPStore(flags.addr).Delete(cmd.Context(), args[0])
		},
	}
}

func newScanCmd(flags *rootFlags) *cobra.Command {
	var (
		start string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List keys in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client.NewHTTPStore(flags.addr).Scan(cmd.Context(), start, limit)
			if err != nil {
				return err
			}
			for _, it := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.Key, it.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first key to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of keys")
	return cmd
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := client.NewHTTPStore(flags.addr).Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newRetryFlushCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-flush",
		Short: "Retry a stuck memtable flush",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.NewHTTPStore(flags.addr).RetryFlush(cmd.Context())
		},
	}
}
