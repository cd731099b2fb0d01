package memtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/record"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxSizeBytes      = 4 << 20
	DefaultFlushMaxRetries   = 3
	DefaultFlushRetryBackoff = 100 * time.Millisecond
	DefaultWorkerPoolSize    = 1
)

// Log is the write-ahead log as seen by the memtable.
type Log interface {
	Append(ctx context.Context, rec record.Record) error
	Rotate() error
	Reconcile() error
}

// Sink persists a snapshot. Flush must not leave partial visible state
// behind when it fails, since it is retried with the same records.
type Sink interface {
	Flush(ctx context.Context, it iterator.Iterator) error
}

type Config struct {
	MaxSizeBytes      int64
	FlushMaxRetries   int
	FlushRetryBackoff time.Duration
	WorkerPoolSize    int

	// OnFlushStuck is called once a flush has exhausted its retries.
	OnFlushStuck func(err error)
}

// Memtable buffers writes in an active generation. Crossing MaxSizeBytes
// swaps the active generation into the snapshot slot and hands the snapshot
// to a background flush; only one flush runs at a time.
type Memtable struct {
	cfg     Config
	log     Log
	sink    Sink
	metrics *metrics.Metrics

	// mu is held shared by inserts and exclusively by the swap.
	mu       sync.RWMutex
	active   atomic.Pointer[generation]
	snapshot atomic.Pointer[generation]
	size     atomic.Int64
	flushing atomic.Bool
	stuck    atomic.Bool

	flushCh chan *generation
	flushes *listener.Listener[*generation]
}

func New(cfg Config, log Log, sink Sink, m *metrics.Metrics) *Memtable {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.FlushMaxRetries <= 0 {
		cfg.FlushMaxRetries = DefaultFlushMaxRetries
	}
	if cfg.FlushRetryBackoff < 0 {
		cfg.FlushRetryBackoff = 0
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	mt := &Memtable{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		metrics: m,
		flushCh: make(chan *generation, 1),
	}
	mt.active.Store(newGeneration())
	mt.flushes = listener.New("memtable-flush", mt.flushCh, cfg.WorkerPoolSize, mt.flush)

	return mt
}

// Start runs the flush workers.
func (mt *Memtable) Start(ctx context.Context) {
	mt.flushes.Start(ctx)
}

// Stop cancels a running flush and waits for the workers to exit.
func (mt *Memtable) Stop() {
	mt.flushes.Stop()
}

// Insert applies rec to the active generation. With durable set the record
// is appended to the log first; if that fails nothing is applied.
//
// Insert fails with ErrMemtableFull when the memtable is over its limit
// while the previous snapshot is still being flushed.
func (mt *Memtable) Insert(ctx context.Context, rec record.Record, durable bool) error {
	if err := mt.checkThreshold(true); err != nil {
		mt.metrics.RecordRejected("memtable_full")
		return err
	}

	if err := mt.insert(ctx, rec, durable); err != nil {
		mt.metrics.RecordRejected("log_unavailable")
		return err
	}
	mt.metrics.RecordWrite(rec.Op.String())

	// never rejects the insert above
	_ = mt.checkThreshold(false)
	return nil
}

func (mt *Memtable) insert(ctx context.Context, rec record.Record, durable bool) error {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if durable {
		if err := mt.log.Append(ctx, rec); err != nil {
			if !errors.Is(err, dberrors.ErrLogUnavailable) {
				err = fmt.Errorf("%w: %w", dberrors.ErrLogUnavailable, err)
			}
			return err
		}
	}
	mt.apply(rec)

	return nil
}

// Replay applies a record recovered from the log. It never starts a flush;
// call MaybeFlush once replay is done.
func (mt *Memtable) Replay(rec record.Record) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	mt.apply(rec)
}

// MaybeFlush starts a flush if the memtable is over its limit.
func (mt *Memtable) MaybeFlush() {
	_ = mt.checkThreshold(false)
}

// apply must be called with mu held.
func (mt *Memtable) apply(rec record.Record) {
	replaced := mt.active.Load().put(rec)
	size := mt.size.Add(rec.SerializedSize() - replaced)
	mt.metrics.SetMemtableBytes(size)
}

func (mt *Memtable) checkThreshold(blocking bool) error {
	if mt.size.Load() <= mt.cfg.MaxSizeBytes {
		return nil
	}

	if mt.flushing.CompareAndSwap(false, true) {
		mt.flushCh <- mt.swap()
		return nil
	}

	if !blocking {
		return nil
	}
	if mt.stuck.Load() {
		return fmt.Errorf("%w: %w", dberrors.ErrMemtableFull, dberrors.ErrFlushStuck)
	}
	return dberrors.ErrMemtableFull
}

// swap moves the active generation into the snapshot slot and rotates the
// log. The caller must own the flushing flag.
func (mt *Memtable) swap() *generation {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	old := mt.active.Load()
	mt.snapshot.Store(old)
	mt.active.Store(newGeneration())
	mt.size.Store(0)
	mt.metrics.SetMemtableBytes(0)

	if err := mt.log.Rotate(); err != nil {
		// the records stay covered by the current log file
		slog.Error("failed to rotate WAL", "error", err)
	}

	slog.Debug("memtable swapped", "records", old.len())
	return old
}

// Iterator merges the active generation with the snapshot being flushed.
// Equal keys are not deduplicated.
func (mt *Memtable) Iterator() iterator.Iterator {
	active := mt.active.Load()
	snapshot := mt.snapshot.Load()
	if snapshot == nil {
		return active.iterator()
	}
	return iterator.Merge(active.iterator(), snapshot.iterator())
}

// ActiveIterator iterates over the active generation only.
func (mt *Memtable) ActiveIterator() iterator.Iterator {
	return mt.active.Load().iterator()
}

// Size is the accounted size of the active generation in bytes.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

// Flushing reports whether a snapshot is waiting to be persisted.
func (mt *Memtable) Flushing() bool {
	return mt.flushing.Load()
}

// Stuck reports whether the last flush exhausted its retries.
func (mt *Memtable) Stuck() bool {
	return mt.stuck.Load()
}
