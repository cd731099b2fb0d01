package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/record"
	"lsmkv/pkg/wal"
	"path/filepath"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

const (
	walDir      = "wal"
	segmentsDir = "segments"
)

type options struct {
	fs           afero.Fs
	registerer   prometheus.Registerer
	onFlushStuck func(error)
}

type Option func(*options)

// WithFs replaces the OS file system, e.g. with afero.NewMemMapFs in tests.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) { o.fs = fsys }
}

// WithRegisterer registers the engine's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithOnFlushStuck sets a callback for flushes that exhausted their
// retries.
func WithOnFlushStuck(fn func(error)) Option {
	return func(o *options) { o.onFlushStuck = fn }
}

// Store is the storage engine: a memtable in front of a write-ahead log and
// a segment store.
type Store struct {
	cfg     config.DB
	seqN    *clock.AtomicClock
	jr      *wal.WAL
	sink    *persistence.Store
	mt      *memtable.Memtable
	metrics *metrics.Metrics

	cancel context.CancelFunc
	closed atomic.Bool
}

// Open recovers the engine from cfg.DataDir: the segments are opened, the
// log is replayed into the memtable and the background jobs are started.
func Open(cfg config.DB, opts ...Option) (_ *Store, err error) {
	o := options{
		fs:         afero.NewOsFs(),
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	m := metrics.New(o.registerer)

	sink, err := persistence.Open(o.fs, persistence.Options{
		Dir:             filepath.Join(cfg.DataDir, segmentsDir),
		MaxSegmentFiles: cfg.Persistence.MaxSegmentFiles,
		BlockSize:       cfg.Persistence.BlockSize,
		BloomFPRate:     cfg.Persistence.BloomFPRate,
		CacheCapacity:   cfg.Persistence.CacheCapacity,
		Compression:     cfg.Persistence.Compression,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sink.Close()
		}
	}()

	journal, err := wal.Open(o.fs, wal.Config{
		Dir:           filepath.Join(cfg.DataDir, walDir),
		BufferSize:    cfg.WAL.BufferSize,
		DrainInterval: cfg.WAL.DrainInterval,
		SyncWrites:    cfg.WAL.SyncWrites,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	mt := memtable.New(memtable.Config{
		MaxSizeBytes:      cfg.Memtable.MaxSizeBytes,
		FlushMaxRetries:   cfg.Memtable.FlushMaxRetries,
		FlushRetryBackoff: cfg.Memtable.FlushRetryBackoff,
		WorkerPoolSize:    cfg.Memtable.WorkerPoolSize,
		OnFlushStuck:      o.onFlushStuck,
	}, journal, sink, m)

	s := &Store{
		cfg:     cfg,
		jr:      journal,
		sink:    sink,
		mt:      mt,
		metrics: m,
	}

	stats, err := s.restoreFromJournal()
	if err != nil {
		return nil, err
	}
	s.seqN = clock.NewAtomic(sink.MaxSeqN())
	s.seqN.Observe(stats.MaxSeqN)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	journal.Start(ctx)
	mt.Start(ctx)

	// the replayed records may already be over the limit
	mt.MaybeFlush()

	slog.Info("store opened",
		"data_dir", cfg.DataDir,
		"replayed", stats.Records,
		"seqn", s.seqN.Val(),
		"segments", sink.SegmentCount(),
		"wal_phase", journal.Phase())
	return s, nil
}

func (s *Store) restoreFromJournal() (wal.ReplayStats, error) {
	stats, err := s.jr.Replay(func(r record.Record) error {
		s.mt.Replay(r)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to replay WAL: %w", err)
	}
	if stats.CorruptFiles > 0 {
		slog.Warn("WAL replay skipped corrupt records",
			"files", stats.CorruptFiles, "truncated_bytes", stats.TruncatedBytes)
	}
	return stats, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.write(ctx, key, func(seqN uint64) record.Record {
		return record.Put(bytes.Clone(key), bytes.Clone(value), seqN)
	})
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.write(ctx, key, func(seqN uint64) record.Record {
		return record.Delete(bytes.Clone(key), seqN)
	})
}

func (s *Store) write(ctx context.Context, key []byte, build func(seqN uint64) record.Record) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	return s.mt.Insert(ctx, build(s.seqN.Next()), true)
}

// Get returns the live value of key. Deleted and unknown keys report
// false.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if r, ok := s.getFromMemtable(key); ok {
		if r.IsTombstone() {
			return nil, false, nil
		}
		return r.Value, true, nil
	}

	r, ok, err := s.sink.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read segments: %w", err)
	}
	if !ok || r.IsTombstone() {
		return nil, false, nil
	}
	return r.Value, true, nil
}

func (s *Store) getFromMemtable(key []byte) (record.Record, bool) {
	it := s.mt.Iterator()
	defer it.Close()

	it.Seek(record.SeekKey(key))
	if !it.HasNext() {
		return record.Record{}, false
	}
	r := it.Next()
	return r, bytes.Equal(r.Key, key)
}

// NewIterator merges the memtable with the segments. Every version of a
// key is returned, newest first; see Scan for live values only.
func (s *Store) NewIterator() iterator.Iterator {
	return iterator.Merge(s.mt.Iterator(), s.sink.Iterator())
}

// Scan calls fn for every live key >= start in ascending order until fn
// returns false.
func (s *Store) Scan(ctx context.Context, start []byte, fn func(key, value []byte) bool) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	it := iterator.Dedup(s.NewIterator(), true)
	defer it.Close()

	if len(start) > 0 {
		it.Seek(record.SeekKey(start))
	}
	for it.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := it.Next()
		if !fn(r.Key, r.Value) {
			break
		}
	}
	return it.Err()
}

type Stats struct {
	MemtableBytes  int64  `json:"memtable_bytes"`
	Flushing       bool   `json:"flushing"`
	FlushStuck     bool   `json:"flush_stuck"`
	WALPhase       string `json:"wal_phase"`
	Segments       int    `json:"segments"`
	SegmentBytes   int64  `json:"segment_bytes"`
	SeqN           uint64 `json:"seqn"`
	PersistentSeqN uint64 `json:"persistent_seqn"`
}

func (s *Store) Stats() Stats {
	return Stats{
		MemtableBytes:  s.mt.Size(),
		Flushing:       s.mt.Flushing(),
		FlushStuck:     s.mt.Stuck(),
		WALPhase:       s.jr.Phase().String(),
		Segments:       s.sink.SegmentCount(),
		SegmentBytes:   s.sink.SegmentBytes(),
		SeqN:           s.seqN.Val(),
		PersistentSeqN: s.sink.MaxSeqN(),
	}
}

// RetryFlush retries a stuck flush synchronously.
func (s *Store) RetryFlush(ctx context.Context) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.mt.RetryFlush(ctx)
}

// Close stops the flush workers, drains the log and closes the segment
// store. A flush in progress is abandoned; its records stay in the log.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}

	s.mt.Stop()
	err := errors.Join(
		s.jr.Close(),
		s.sink.Close(),
	)
	s.cancel()

	if err != nil {
		slog.Error("store closed with errors", "error", err)
		return err
	}
	slog.Info("store closed", "seqn", s.seqN.Val())
	return nil
}
