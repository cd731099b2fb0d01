package main

import (
	"log/slog"
	"lsmkv/pkg/config"
	"os"
)

// initConfig loads the YAML config. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	initLogger(&cfg)
	return cfg, nil
}

// initLogger sets the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level, "json", cfg.Logger.JSON)
}
