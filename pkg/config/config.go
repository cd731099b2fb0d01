package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	// DataDir holds the wal/ and segments/ directories.
	DataDir     string            `yaml:"data_dir"`
	Memtable    MemtableConfig    `yaml:"memtable"`
	WAL         WALConfig         `yaml:"wal"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type MemtableConfig struct {
	MaxSizeBytes      int64         `yaml:"max_size_bytes"`
	FlushMaxRetries   int           `yaml:"flush_max_retries"`
	FlushRetryBackoff time.Duration `yaml:"flush_retry_backoff"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
}

type WALConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	SyncWrites    bool          `yaml:"sync_writes"`
}

type PersistenceConfig struct {
	MaxSegmentFiles int     `yaml:"max_segment_files"`
	BlockSize       int     `yaml:"block_size"`
	BloomFPRate     float64 `yaml:"bloom_fp_rate"`
	CacheCapacity   int     `yaml:"cache_capacity"`
	Compression     bool    `yaml:"compression"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			DataDir: "./data",
			Memtable: MemtableConfig{
				MaxSizeBytes:      4 << 20,
				FlushMaxRetries:   3,
				FlushRetryBackoff: 100 * time.Millisecond,
				WorkerPoolSize:    1,
			},
			WAL: WALConfig{
				BufferSize:    30_000,
				DrainInterval: 500 * time.Millisecond,
			},
			Persistence: PersistenceConfig{
				MaxSegmentFiles: 8,
				BlockSize:       4 << 10,
				BloomFPRate:     0.01,
				CacheCapacity:   1024,
				Compression:     true,
			},
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, err := c.Logger.SlogLevel()
	check(err == nil, "logger.level: unknown level %q", c.Logger.Level)
	check(c.Server.Port > 0 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)
	check(c.Server.ReadHeaderTimeout >= 0, "http-server.read_header_timeout: must not be negative")

	db := c.DB
	check(db.DataDir != "", "db.data_dir: required")
	check(db.Memtable.MaxSizeBytes > 0, "db.memtable.max_size_bytes: must be positive")
	check(db.Memtable.FlushMaxRetries > 0, "db.memtable.flush_max_retries: must be positive")
	check(db.Memtable.FlushRetryBackoff >= 0, "db.memtable.flush_retry_backoff: must not be negative")
	check(db.Memtable.WorkerPoolSize > 0, "db.memtable.worker_pool_size: must be positive")
	check(db.WAL.BufferSize > 0, "db.wal.buffer_size: must be positive")
	check(db.WAL.DrainInterval > 0, "db.wal.drain_interval: must be positive")
	check(db.Persistence.MaxSegmentFiles > 0, "db.persistence.max_segment_files: must be positive")
	check(db.Persistence.BlockSize > 0, "db.persistence.block_size: must be positive")
	check(db.Persistence.BloomFPRate > 0 && db.Persistence.BloomFPRate < 1,
		"db.persistence.bloom_fp_rate: %v not in (0, 1)", db.Persistence.BloomFPRate)
	check(db.Persistence.CacheCapacity >= 0, "db.persistence.cache_capacity: must not be negative")

	return errors.Join(errs...)
}

// SlogLevel parses Level, e.g. "debug" or "WARN".
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}
