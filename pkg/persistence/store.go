package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/record"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

const (
	DefaultMaxSegmentFiles = 8
	DefaultBlockSize       = 4 << 10
	DefaultBloomFPRate     = 0.01
	DefaultCacheCapacity   = 1024
)

type Options struct {
	Dir string
	// MaxSegmentFiles triggers a full compaction when exceeded.
	MaxSegmentFiles int
	BlockSize       int
	BloomFPRate     float64
	// CacheCapacity is the number of decoded blocks kept in memory.
	CacheCapacity int
	Compression   bool
}

// Store is the on-disk sink for memtable snapshots: a list of immutable
// segment files, newest last, described by a manifest.
type Store struct {
	fs      afero.Fs
	opts    Options
	metrics *metrics.Metrics

	manifest *Manifest
	cache    *BlockCache
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	mu       sync.RWMutex
	segments []*segment
	closed   bool

	// compactMu serializes compactions.
	compactMu sync.Mutex
}

func Open(fsys afero.Fs, opts Options, m *metrics.Metrics) (_ *Store, err error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: empty segment dir", dberrors.ErrInvalidArgument)
	}
	if opts.MaxSegmentFiles <= 0 {
		opts.MaxSegmentFiles = DefaultMaxSegmentFiles
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	if opts.CacheCapacity < 0 {
		opts.CacheCapacity = 0
	}

	if err := fsys.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	s := &Store{
		fs:       fsys,
		opts:     opts,
		metrics:  m,
		manifest: NewManifest(fsys, opts.Dir),
		cache:    NewBlockCache(opts.CacheCapacity),
	}
	if err := s.manifest.Load(); err != nil {
		return nil, err
	}

	// decoding works for every segment regardless of the current setting
	if s.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	if opts.Compression {
		if s.encoder, err = zstd.NewWriter(nil); err != nil {
			s.decoder.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	for _, info := range s.manifest.Segments() {
		seg, err := openSegment(fsys, opts.Dir, info, s.cache, s.decoder)
		if err != nil {
			return nil, err
		}
		s.segments = append(s.segments, seg)
	}
	if err := s.removeOrphans(); err != nil {
		return nil, err
	}
	s.metrics.SetSegments(len(s.segments))

	slog.Info("segment store opened", "dir", opts.Dir, "segments", len(s.segments),
		"persistent_seqn", s.manifest.PersistentSeqN())
	return s, nil
}

// removeOrphans deletes temporary files and segments missing from the
// manifest. Both are leftovers of interrupted flushes whose records are
// still in the log.
func (s *Store) removeOrphans() error {
	entries, err := afero.ReadDir(s.fs, s.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to list segment directory: %w", err)
	}

	live := make(map[string]bool, len(s.segments))
	for _, info := range s.manifest.Segments() {
		live[info.File] = true
	}

	for _, e := range entries {
		name := e.Name()
		orphan := strings.Contains(name, ".tmp-") ||
			(strings.HasPrefix(name, "seg-") && strings.HasSuffix(name, ".sst") && !live[name])
		if !orphan {
			continue
		}
		slog.Warn("removing orphaned segment file", "file", name)
		if err := s.fs.Remove(filepath.Join(s.opts.Dir, name)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) segmentOptions() segmentOptions {
	return segmentOptions{
		blockSize:   s.opts.BlockSize,
		bloomFPRate: s.opts.BloomFPRate,
		encoder:     s.encoder,
	}
}

// Flush writes the records of it as a new segment. When Flush fails no new
// segment is visible, so it can be retried with the same records.
func (s *Store) Flush(ctx context.Context, it iterator.Iterator) error {
	if s.isClosed() {
		return dberrors.ErrClosed
	}

	id := s.manifest.NextSegmentID()
	info, err := writeSegment(ctx, s.fs, s.opts.Dir, id, it, s.segmentOptions())
	if errors.Is(err, errEmptySegment) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write segment %d: %w", id, err)
	}

	if err := s.publish(info, nil); err != nil {
		return err
	}
	slog.Debug("segment flushed", "segment", id, "records", info.Records, "bytes", info.Size)

	if s.SegmentCount() > s.opts.MaxSegmentFiles {
		// the flush itself is durable at this point
		if err := s.Compact(ctx); err != nil {
			slog.Error("segment compaction failed", "error", err)
		}
	}
	return nil
}

// publish opens a written segment and records it in the manifest,
// replacing the segments in removed.
func (s *Store) publish(info SegmentInfo, removed []*segment) error {
	path := filepath.Join(s.opts.Dir, info.File)
	seg, err := openSegment(s.fs, s.opts.Dir, info, s.cache, s.decoder)
	if err != nil {
		_ = s.fs.Remove(path)
		return err
	}

	ids := make([]uint64, len(removed))
	for i, r := range removed {
		ids[i] = r.id
	}
	if err := s.manifest.ReplaceSegments(ids, &info); err != nil {
		seg.unref()
		_ = s.fs.Remove(path)
		return err
	}

	s.mu.Lock()
	segs := slices.DeleteFunc(slices.Clone(s.segments), func(cur *segment) bool {
		return slices.Contains(removed, cur)
	})
	if len(removed) > 0 {
		segs = slices.Insert(segs, 0, seg)
	} else {
		segs = append(segs, seg)
	}
	s.segments = segs
	s.mu.Unlock()

	for _, r := range removed {
		r.obsolete.Store(true)
		r.unref()
	}
	s.metrics.SetSegments(len(segs))
	return nil
}

// Compact merges every segment into one, keeping only the newest version of
// each key and dropping tombstones.
func (s *Store) Compact(ctx context.Context) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	inputs := s.acquire()
	defer func() {
		for _, seg := range inputs {
			seg.unref()
		}
	}()
	if len(inputs) < 2 {
		return nil
	}

	iters := make([]iterator.Iterator, len(inputs))
	for i, seg := range inputs {
		iters[i] = seg.iterator()
	}
	merged := iterator.Dedup(iterator.Merge(iters...), true)
	defer merged.Close()

	id := s.manifest.NextSegmentID()
	info, err := writeSegment(ctx, s.fs, s.opts.Dir, id, merged, s.segmentOptions())
	switch {
	case errors.Is(err, errEmptySegment):
		// everything was deleted
		if err := s.manifest.ReplaceSegments(ids(inputs), nil); err != nil {
			return err
		}
		s.dropSegments(inputs)
	case err != nil:
		return fmt.Errorf("failed to write compacted segment: %w", err)
	default:
		if err := s.publish(info, inputs); err != nil {
			return err
		}
	}

	s.metrics.RecordCompaction()
	slog.Info("segments compacted", "inputs", len(inputs), "segment", id, "records", info.Records)
	return nil
}

func (s *Store) dropSegments(removed []*segment) {
	s.mu.Lock()
	s.segments = slices.DeleteFunc(slices.Clone(s.segments), func(cur *segment) bool {
		return slices.Contains(removed, cur)
	})
	n := len(s.segments)
	s.mu.Unlock()

	for _, r := range removed {
		r.obsolete.Store(true)
		r.unref()
	}
	s.metrics.SetSegments(n)
}

func ids(segs []*segment) []uint64 {
	out := make([]uint64, len(segs))
	for i, seg := range segs {
		out[i] = seg.id
	}
	return out
}

// acquire returns the current segments, newest last, each with an extra
// reference the caller must release.
func (s *Store) acquire() []*segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segs := slices.Clone(s.segments)
	for _, seg := range segs {
		seg.ref()
	}
	return segs
}

// Get returns the newest persisted version of key. Tombstones are returned
// as such.
func (s *Store) Get(key []byte) (record.Record, bool, error) {
	if s.isClosed() {
		return record.Record{}, false, dberrors.ErrClosed
	}

	segs := s.acquire()
	defer func() {
		for _, seg := range segs {
			seg.unref()
		}
	}()

	for i := len(segs) - 1; i >= 0; i-- {
		r, ok, err := segs[i].get(key)
		if err != nil {
			return record.Record{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return record.Record{}, false, nil
}

// Iterator merges all segments. It does not deduplicate keys.
func (s *Store) Iterator() iterator.Iterator {
	segs := s.acquire()
	iters := make([]iterator.Iterator, len(segs))
	for i, seg := range segs {
		iters[i] = seg.iterator()
		seg.unref()
	}
	return iterator.Merge(iters...)
}

// MaxSeqN is the highest sequence number that reached a segment.
func (s *Store) MaxSeqN() uint64 {
	return s.manifest.PersistentSeqN()
}

func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.segments)
}

// SegmentBytes is the on-disk size of all live segments.
func (s *Store) SegmentBytes() int64 {
	return s.manifest.TotalSize()
}

func (s *Store) Segments() []SegmentInfo {
	return s.manifest.Segments()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// Close releases the store's segments. Iterators must be closed first.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	s.release()
	return nil
}

func (s *Store) release() {
	s.mu.Lock()
	segs := s.segments
	s.segments = nil
	s.mu.Unlock()

	for _, seg := range segs {
		seg.unref()
	}
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
}
