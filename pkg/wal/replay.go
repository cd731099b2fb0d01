package wal

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/record"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

type ReplayStats struct {
	Records        int
	MaxSeqN        uint64
	CorruptFiles   int
	TruncatedBytes int64
}

// Replay feeds every logged record to fn: the pre file first, since it
// holds older writes, then the current file.
//
// A corrupt or torn frame ends the replay of its file; the remaining files
// are still replayed. The current file is truncated at the last good frame
// so that later appends stay reachable.
func (w *WAL) Replay(fn func(record.Record) error) (ReplayStats, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	stats, err := replay(w.fs, w.dir, fn, true)
	w.metrics.RecordReplay(stats.Records, stats.CorruptFiles)
	return stats, err
}

// Inspect reads a log directory without modifying it.
func Inspect(fsys afero.Fs, dir string, fn func(Role, record.Record) error) (ReplayStats, error) {
	var stats ReplayStats
	for _, role := range []Role{RolePre, RoleCurrent} {
		if err := replayFile(fsys, dir, role, func(r record.Record) error { return fn(role, r) }, false, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func replay(fsys afero.Fs, dir string, fn func(record.Record) error, repair bool) (ReplayStats, error) {
	var stats ReplayStats
	for _, role := range []Role{RolePre, RoleCurrent} {
		if err := replayFile(fsys, dir, role, fn, repair, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func replayFile(fsys afero.Fs, dir string, role Role, fn func(record.Record) error, repair bool, stats *ReplayStats) error {
	path := filepath.Join(dir, string(role))
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s for replay: %w", role, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close WAL file after replay", "file", path, "error", cerr)
		}
	}()

	dec := record.NewDecoder(f)
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, dberrors.ErrCorrupted) {
			stats.CorruptFiles++
			slog.Error("corrupt WAL record, skipping rest of file",
				"file", path, "offset", dec.Offset(), "records", stats.Records, "error", err)
			if repair && role == RoleCurrent {
				return truncateAt(fsys, path, dec.Offset(), stats)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", role, err)
		}

		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		stats.Records++
		stats.MaxSeqN = max(stats.MaxSeqN, rec.SeqN)
	}
}

func truncateAt(fsys afero.Fs, path string, offset int64, stats *ReplayStats) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s for repair: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size := info.Size()
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}

	stats.TruncatedBytes += size - offset
	slog.Warn("truncated corrupt WAL tail", "file", path, "offset", offset, "bytes", size-offset)
	return nil
}
