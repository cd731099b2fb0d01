package memtable

import (
	"context"
	"fmt"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"time"
)

func (mt *Memtable) flush(ctx context.Context, snapshot *generation) error {
	start := time.Now()

	if err := mt.flushWithRetries(ctx, snapshot); err != nil {
		if ctx.Err() != nil {
			slog.Warn("memtable flush abandoned", "error", err)
			return nil
		}
		mt.markStuck(err)
		return err
	}

	mt.complete()
	mt.metrics.RecordFlushCompleted(time.Since(start))
	slog.Info("memtable flushed", "records", snapshot.len(), "duration", time.Since(start))

	return nil
}

func (mt *Memtable) flushWithRetries(ctx context.Context, snapshot *generation) error {
	var err error
	for attempt := 1; attempt <= mt.cfg.FlushMaxRetries; attempt++ {
		it := snapshot.iterator()
		err = mt.sink.Flush(ctx, it)
		_ = it.Close()
		mt.metrics.RecordFlushAttempt(err)
		if err == nil {
			return nil
		}

		slog.Warn("memtable flush attempt failed",
			"attempt", attempt, "max_attempts", mt.cfg.FlushMaxRetries, "error", err)

		if attempt == mt.cfg.FlushMaxRetries || mt.cfg.FlushRetryBackoff == 0 {
			continue
		}
		select {
		case <-time.After(mt.cfg.FlushRetryBackoff):
		case <-ctx.Done():
			return fmt.Errorf("flush interrupted after attempt %d: %w", attempt, ctx.Err())
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", dberrors.ErrFlushStuck, mt.cfg.FlushMaxRetries, err)
}

// complete releases the snapshot after the sink accepted it. The order
// matters: the log forgets the records first, then the snapshot is
// dropped, then new flushes are admitted.
func (mt *Memtable) complete() {
	if err := mt.log.Reconcile(); err != nil {
		slog.Error("failed to reconcile WAL after flush", "error", err)
	}
	mt.snapshot.Store(nil)
	mt.flushing.Store(false)

	// writes that crossed the limit during the flush could not start one
	mt.MaybeFlush()
}

func (mt *Memtable) markStuck(err error) {
	mt.stuck.Store(true)
	mt.metrics.SetFlushStuck(true)
	slog.Error("memtable flush is stuck, writes will be rejected once the memtable is full", "error", err)

	if mt.cfg.OnFlushStuck != nil {
		mt.cfg.OnFlushStuck(err)
	}
}

// RetryFlush retries a stuck flush in the calling goroutine. It returns nil
// when no flush is stuck.
func (mt *Memtable) RetryFlush(ctx context.Context) error {
	if !mt.stuck.CompareAndSwap(true, false) {
		return nil
	}

	snapshot := mt.snapshot.Load()
	if err := mt.flushWithRetries(ctx, snapshot); err != nil {
		mt.stuck.Store(true)
		return err
	}

	mt.metrics.SetFlushStuck(false)
	mt.complete()
	slog.Info("stuck memtable flush recovered", "records", snapshot.len())

	return nil
}
