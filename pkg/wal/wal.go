package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/record"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	DefaultBufferSize    = 30_000
	DefaultDrainInterval = 500 * time.Millisecond
)

type Config struct {
	Dir string
	// BufferSize bounds the number of records waiting for the next drain.
	BufferSize int
	// DrainInterval is the period of the background drain.
	DrainInterval time.Duration
	// SyncWrites makes Append wait until its record is synced to disk.
	SyncWrites bool
}

type pendingWrite struct {
	rec  record.Record
	done chan error
}

// WAL is a buffered write-ahead log. Append enqueues records; a periodic
// drain writes every buffered record to the current file and syncs it.
//
// When the buffer is full Append blocks until a drain frees space, the
// caller's context ends, or the log is closed. Records are never dropped:
// a batch whose write fails stays pending and is retried first by the
// next drain.
type WAL struct {
	*listener.Ticker

	fs      afero.Fs
	dir     string
	cfg     Config
	metrics *metrics.Metrics

	buf     chan pendingWrite
	closing chan struct{}

	// appendMu lets Close wait for in-flight appends.
	appendMu  sync.RWMutex
	closed    bool
	closeOnce sync.Once

	// drainMu serializes drains with rotation and reconciliation.
	drainMu sync.Mutex
	pending []pendingWrite
	phase   Phase
	scratch []byte
}

// Open prepares the log directory and detects an unresolved rotation left
// by a previous process. The drain ticker is started with Start.
func Open(fsys afero.Fs, cfg Config, m *metrics.Metrics) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: empty WAL dir", dberrors.ErrInvalidArgument)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	cfg.Dir = filepath.Clean(cfg.Dir)

	if err := fsys.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	phase, err := detectPhase(fsys, cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect WAL directory: %w", err)
	}
	if phase == PhaseRotated {
		slog.Info("found unresolved WAL rotation", "dir", cfg.Dir, "file", RolePre)
	}

	w := &WAL{
		fs:      fsys,
		dir:     cfg.Dir,
		cfg:     cfg,
		metrics: m,
		buf:     make(chan pendingWrite, cfg.BufferSize),
		closing: make(chan struct{}),
		phase:   phase,
	}
	w.Ticker = listener.NewTicker("wal-drain", cfg.DrainInterval, func(context.Context) error {
		return w.Drain()
	})

	return w, nil
}

// Append enqueues rec for the next drain. ctx bounds only the wait for
// buffer space. With SyncWrites Append then waits for the drain that
// persists rec; once queued the record is never abandoned, so the wait
// ends only on a successful drain or on Close.
func (w *WAL) Append(ctx context.Context, rec record.Record) error {
	pw := pendingWrite{rec: rec}
	if w.cfg.SyncWrites {
		pw.done = make(chan error, 1)
	}

	if err := w.enqueue(ctx, pw); err != nil {
		return err
	}
	if pw.done == nil {
		return nil
	}

	return <-pw.done
}

func (w *WAL) enqueue(ctx context.Context, pw pendingWrite) error {
	w.appendMu.RLock()
	defer w.appendMu.RUnlock()

	if w.closed {
		return fmt.Errorf("%w: %w", dberrors.ErrLogUnavailable, dberrors.ErrClosed)
	}

	select {
	case w.buf <- pw:
		return nil
	default:
	}

	select {
	case w.buf <- pw:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: buffer full: %w", dberrors.ErrLogUnavailable, ctx.Err())
	case <-w.closing:
		return fmt.Errorf("%w: %w", dberrors.ErrLogUnavailable, dberrors.ErrClosed)
	}
}

// Drain writes all buffered records to the current file.
func (w *WAL) Drain() error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	return w.drainLocked()
}

func (w *WAL) drainLocked() error {
	batch := w.pending
	for n := len(w.buf); n > 0; n-- {
		batch = append(batch, <-w.buf)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := w.writeBatch(batch); err != nil {
		// keep everything for the next attempt
		w.pending = batch
		w.metrics.RecordDrain(len(batch), err)
		return fmt.Errorf("failed to drain %d WAL records: %w", len(batch), err)
	}

	w.pending = nil
	w.metrics.RecordDrain(len(batch), nil)
	for _, pw := range batch {
		if pw.done != nil {
			pw.done <- nil
		}
	}

	return nil
}

func (w *WAL) writeBatch(batch []pendingWrite) (err error) {
	w.scratch = w.scratch[:0]
	for _, pw := range batch {
		if w.scratch, err = record.AppendFrame(w.scratch, pw.rec); err != nil {
			return fmt.Errorf("failed to encode %v: %w", pw.rec, err)
		}
	}

	f, err := w.fs.OpenFile(w.path(RoleCurrent), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close WAL file: %w", cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	end := info.Size()

	if _, err := f.Write(w.scratch); err != nil {
		return rollback(f, end, fmt.Errorf("failed to write WAL file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return rollback(f, end, fmt.Errorf("failed to sync WAL file: %w", err))
	}

	return nil
}

// rollback cuts a partially written batch off the file so the retry starts
// at a frame boundary.
func rollback(f afero.File, end int64, cause error) error {
	if err := f.Truncate(end); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to truncate WAL file to %d: %w", end, err))
	}
	return cause
}

// Rotate moves the current file to the pre role. Buffered records are
// drained first so that every record acknowledged before the rotation
// lands in the pre file. Rotate is a no-op while a previous rotation is
// unresolved.
func (w *WAL) Rotate() error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	next, steps := Transition(w.phase, EventRotate)
	if len(steps) == 0 {
		slog.Debug("WAL rotation skipped, previous rotation unresolved", "dir", w.dir)
		return nil
	}

	if err := w.drainLocked(); err != nil {
		return fmt.Errorf("failed to drain before rotation: %w", err)
	}
	if err := applySteps(w.fs, w.dir, steps); err != nil {
		return err
	}

	w.phase = next
	w.metrics.RecordRotation()
	return nil
}

// Reconcile deletes the pre file after its flush was confirmed, renaming
// it to the to-be-deleted role first. It is idempotent.
func (w *WAL) Reconcile() error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	next, steps := Transition(w.phase, EventFlushed)
	if err := applySteps(w.fs, w.dir, steps); err != nil {
		return err
	}

	w.phase = next
	return nil
}

func (w *WAL) Phase() Phase {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	return w.phase
}

// Close stops the drain ticker and drains what is left. Blocked and
// later appends fail with ErrLogUnavailable.
func (w *WAL) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closing)
		w.appendMu.Lock()
		w.closed = true
		w.appendMu.Unlock()

		w.Stop()

		w.drainMu.Lock()
		defer w.drainMu.Unlock()
		if err = w.drainLocked(); err != nil {
			for _, pw := range w.pending {
				if pw.done != nil {
					pw.done <- fmt.Errorf("%w: %w", dberrors.ErrLogUnavailable, err)
				}
			}
			w.pending = nil
		}
	})
	return err
}

func (w *WAL) path(r Role) string {
	return filepath.Join(w.dir, string(r))
}
