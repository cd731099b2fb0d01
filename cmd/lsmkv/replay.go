package main

import (
	"fmt"
	"lsmkv/pkg/record"
	"lsmkv/pkg/wal"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// newReplayCmd prints the records of the write-ahead log without
// repairing or rotating it.
func newReplayCmd(flags *rootFlags) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the write-ahead log in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			dir := filepath.Join(cfg.DB.DataDir, "wal")
			stats, err := wal.Inspect(afero.NewOsFs(), dir, func(role wal.Role, rec record.Record) error {
				if !quiet {
					fmt.Fprintf(out, "%s\t%s\n", role, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "records=%d max_seqn=%d corrupt_files=%d\n",
				stats.Records, stats.MaxSeqN, stats.CorruptFiles)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	return cmd
}
