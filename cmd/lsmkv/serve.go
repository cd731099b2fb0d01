package main

import (
	"fmt"
	"log/slog"
	apihttp "lsmkv/internal/http"
	"lsmkv/pkg/store"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the store and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			db, err := store.Open(cfg.DB,
				store.WithRegisterer(reg),
				store.WithOnFlushStuck(func(err error) {
					slog.Error("memtable flush is stuck, writes are rejected until it is retried", "error", err)
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			server := apihttp.NewServer(db, cfg, reg)
			if err := server.Start(); err != nil {
				_ = db.Close()
				return err
			}

			<-ctx.Done()
			slog.Info("shutting down")

			if err := server.Stop(); err != nil {
				slog.Error("error stopping server", "error", err)
			}
			if err := db.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}

			slog.Info("lsmkv stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port, overrides the config file")
	return cmd
}
