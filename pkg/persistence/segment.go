package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/record"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

const (
	segmentMagic   uint32 = 0x4c534d4b // "LSMK"
	trailerSize           = 40
	flagCompressed uint32 = 1
)

// Segment file layout:
//
//	block*    frames, zstd-compressed when flagCompressed is set
//	index     u32 count, then per block: u64 offset | u32 length | frame of the first record without value
//	bloom     see bloomFilter.marshal
//	trailer   u64 indexOffset | u32 indexLen | u32 bloomLen | u64 records | u64 maxSeqN | u32 flags | u32 magic
type trailer struct {
	indexOffset uint64
	indexLen    uint32
	bloomLen    uint32
	records     uint64
	maxSeqN     uint64
	flags       uint32
}

func (t trailer) marshal(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, t.indexOffset)
	dst = binary.LittleEndian.AppendUint32(dst, t.indexLen)
	dst = binary.LittleEndian.AppendUint32(dst, t.bloomLen)
	dst = binary.LittleEndian.AppendUint64(dst, t.records)
	dst = binary.LittleEndian.AppendUint64(dst, t.maxSeqN)
	dst = binary.LittleEndian.AppendUint32(dst, t.flags)
	return binary.LittleEndian.AppendUint32(dst, segmentMagic)
}

func unmarshalTrailer(p []byte) (trailer, error) {
	if binary.LittleEndian.Uint32(p[36:]) != segmentMagic {
		return trailer{}, fmt.Errorf("%w: bad segment magic", dberrors.ErrCorrupted)
	}
	return trailer{
		indexOffset: binary.LittleEndian.Uint64(p),
		indexLen:    binary.LittleEndian.Uint32(p[8:]),
		bloomLen:    binary.LittleEndian.Uint32(p[12:]),
		records:     binary.LittleEndian.Uint64(p[16:]),
		maxSeqN:     binary.LittleEndian.Uint64(p[24:]),
		flags:       binary.LittleEndian.Uint32(p[32:]),
	}, nil
}

type indexEntry struct {
	first  record.Record
	offset uint64
	length uint32
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("seg-%06d.sst", id)
}

type segmentOptions struct {
	blockSize   int
	bloomFPRate float64
	encoder     *zstd.Encoder
}

// writeSegment streams it into a new segment file. The file only becomes
// visible under its final name once it is complete and synced. A segment
// without records is not written and reports zero records.
func writeSegment(ctx context.Context, fsys afero.Fs, dir string, id uint64, it iterator.Iterator, opts segmentOptions) (info SegmentInfo, err error) {
	name := segmentFileName(id)
	tmp := filepath.Join(dir, name+".tmp-"+uuid.NewString())

	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return info, fmt.Errorf("failed to create segment: %w", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
		}
		if err != nil {
			if rerr := fsys.Remove(tmp); rerr != nil {
				slog.Warn("failed to remove temporary segment", "file", tmp, "error", rerr)
			}
		}
	}()

	w := bufio.NewWriter(f)
	var (
		offset  uint64
		index   []indexEntry
		hashes  []uint64
		block   []byte
		tr      trailer
		lastKey []byte
	)

	writeBlock := func() error {
		stored := block
		if opts.encoder != nil {
			stored = opts.encoder.EncodeAll(block, nil)
		}
		if _, err := w.Write(stored); err != nil {
			return fmt.Errorf("failed to write block: %w", err)
		}
		index[len(index)-1].offset = offset
		index[len(index)-1].length = uint32(len(stored))
		offset += uint64(len(stored))
		block = block[:0]
		return nil
	}

	for it.HasNext() {
		r := it.Next()
		if len(block) == 0 {
			if err := ctx.Err(); err != nil {
				return info, err
			}
			index = append(index, indexEntry{first: record.Record{Key: r.Key, SeqN: r.SeqN, Op: r.Op}})
		}
		if block, err = record.AppendFrame(block, r); err != nil {
			return info, err
		}
		if !bytes.Equal(r.Key, lastKey) {
			hashes = append(hashes, keyHash(r.Key))
			lastKey = r.Key
		}
		tr.records++
		tr.maxSeqN = max(tr.maxSeqN, r.SeqN)

		if len(block) >= opts.blockSize {
			if err := writeBlock(); err != nil {
				return info, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return info, fmt.Errorf("failed to read records: %w", err)
	}
	if tr.records == 0 {
		err = errEmptySegment
		return SegmentInfo{ID: id}, err
	}
	if len(block) > 0 {
		if err := writeBlock(); err != nil {
			return info, err
		}
	}

	tail := binary.LittleEndian.AppendUint32(nil, uint32(len(index)))
	for _, e := range index {
		tail = binary.LittleEndian.AppendUint64(tail, e.offset)
		tail = binary.LittleEndian.AppendUint32(tail, e.length)
		if tail, err = record.AppendFrame(tail, e.first); err != nil {
			return info, err
		}
	}
	tr.indexOffset = offset
	tr.indexLen = uint32(len(tail))

	bloom := newBloomFilter(len(hashes), opts.bloomFPRate)
	for _, h := range hashes {
		bloom.add(h)
	}
	tail = bloom.marshal(tail)
	tr.bloomLen = uint32(len(tail)) - tr.indexLen

	if opts.encoder != nil {
		tr.flags |= flagCompressed
	}
	tail = tr.marshal(tail)

	if _, err := w.Write(tail); err != nil {
		return info, fmt.Errorf("failed to write segment index: %w", err)
	}
	if err := w.Flush(); err != nil {
		return info, fmt.Errorf("failed to write segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return info, fmt.Errorf("failed to sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return info, fmt.Errorf("failed to close segment: %w", err)
	}
	f = nil

	if err := fsys.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return info, fmt.Errorf("failed to publish segment: %w", err)
	}

	return SegmentInfo{
		ID:      id,
		File:    name,
		Records: tr.records,
		Size:    int64(offset) + int64(len(tail)),
		MaxSeqN: tr.maxSeqN,
	}, nil
}

var errEmptySegment = errors.New("segment has no records")

// segment is an open, immutable segment file. It is reference counted:
// the file is closed when the last reference is released, and removed as
// well if the segment was compacted away.
type segment struct {
	id    uint64
	path  string
	fsys  afero.Fs
	file  afero.File
	cache *BlockCache
	dec   *zstd.Decoder

	index   []indexEntry
	bloom   *bloomFilter
	trailer trailer

	refs     atomic.Int32
	obsolete atomic.Bool
}

func openSegment(fsys afero.Fs, dir string, info SegmentInfo, cache *BlockCache, dec *zstd.Decoder) (_ *segment, err error) {
	path := filepath.Join(dir, info.File)
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", info.ID, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment %d: %w", info.ID, err)
	}
	if st.Size() < trailerSize {
		return nil, fmt.Errorf("%w: segment %d is too small", dberrors.ErrCorrupted, info.ID)
	}

	buf := make([]byte, trailerSize)
	if _, err := f.ReadAt(buf, st.Size()-trailerSize); err != nil {
		return nil, fmt.Errorf("failed to read segment %d trailer: %w", info.ID, err)
	}
	tr, err := unmarshalTrailer(buf)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", info.ID, err)
	}
	tailLen := uint64(tr.indexLen) + uint64(tr.bloomLen)
	if tr.indexOffset+tailLen+trailerSize != uint64(st.Size()) {
		return nil, fmt.Errorf("%w: segment %d has inconsistent trailer", dberrors.ErrCorrupted, info.ID)
	}

	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, int64(tr.indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read segment %d index: %w", info.ID, err)
	}

	index, err := parseIndex(tail[:tr.indexLen])
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", info.ID, err)
	}
	bloom, err := unmarshalBloomFilter(tail[tr.indexLen:])
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w: %w", info.ID, dberrors.ErrCorrupted, err)
	}

	s := &segment{
		id:      info.ID,
		path:    path,
		fsys:    fsys,
		file:    f,
		cache:   cache,
		dec:     dec,
		index:   index,
		bloom:   bloom,
		trailer: tr,
	}
	s.refs.Store(1)
	return s, nil
}

func parseIndex(p []byte) ([]indexEntry, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("%w: index too short", dberrors.ErrCorrupted)
	}
	n := binary.LittleEndian.Uint32(p)
	r := bufio.NewReader(bytes.NewReader(p[4:]))
	dec := record.NewDecoder(r)

	index := make([]indexEntry, 0, n)
	var hdr [12]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", dberrors.ErrCorrupted, i, err)
		}
		first, err := dec.Next()
		if err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		index = append(index, indexEntry{
			first:  first,
			offset: binary.LittleEndian.Uint64(hdr[:8]),
			length: binary.LittleEndian.Uint32(hdr[8:]),
		})
	}
	return index, nil
}

func (s *segment) ref() {
	s.refs.Add(1)
}

func (s *segment) unref() {
	if s.refs.Add(-1) > 0 {
		return
	}
	if err := s.file.Close(); err != nil {
		slog.Warn("failed to close segment", "segment", s.id, "error", err)
	}
	s.cache.Evict(s.id)
	if s.obsolete.Load() {
		if err := s.fsys.Remove(s.path); err != nil {
			slog.Warn("failed to remove compacted segment", "segment", s.id, "error", err)
		}
	}
}

// readBlock returns the decoded records of block i.
func (s *segment) readBlock(i int) ([]record.Record, error) {
	key := blockKey{segment: s.id, block: i}
	if recs, ok := s.cache.Get(key); ok {
		return recs, nil
	}

	e := s.index[i]
	raw := make([]byte, e.length)
	if _, err := s.file.ReadAt(raw, int64(e.offset)); err != nil {
		return nil, fmt.Errorf("failed to read segment %d block %d: %w", s.id, i, err)
	}
	if s.trailer.flags&flagCompressed != 0 {
		var err error
		if raw, err = s.dec.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("%w: segment %d block %d: %v", dberrors.ErrCorrupted, s.id, i, err)
		}
	}

	var recs []record.Record
	dec := record.NewDecoder(bytes.NewReader(raw))
	for {
		r, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("segment %d block %d: %w", s.id, i, err)
		}
		recs = append(recs, r)
	}

	s.cache.Set(key, recs)
	return recs, nil
}

// blockFor returns the block that may hold the first record >= target.
func (s *segment) blockFor(target record.Record) int {
	// first block whose first record is > target, minus one
	i := sort.Search(len(s.index), func(i int) bool {
		return record.Compare(s.index[i].first, target) > 0
	})
	return max(i-1, 0)
}

// get returns the newest version of key held by the segment.
func (s *segment) get(key []byte) (record.Record, bool, error) {
	if !s.bloom.mayContain(keyHash(key)) {
		return record.Record{}, false, nil
	}

	it := s.iterator()
	defer it.Close()

	it.Seek(record.SeekKey(key))
	if !it.HasNext() {
		return record.Record{}, false, it.Err()
	}
	r := it.Next()
	if !bytes.Equal(r.Key, key) {
		return record.Record{}, false, nil
	}
	return r, true, nil
}

// iterator holds a reference to the segment until closed.
func (s *segment) iterator() iterator.Iterator {
	s.ref()
	it := &segmentIterator{seg: s, block: -1}
	it.load(0)
	return it
}

type segmentIterator struct {
	seg   *segment
	block int
	cur   iterator.Iterator
	err   error
	done  bool
}

// load positions the iterator at the start of block i, skipping to later
// blocks when needed.
func (it *segmentIterator) load(i int) {
	for ; i < len(it.seg.index); i++ {
		recs, err := it.seg.readBlock(i)
		if err != nil {
			it.err = err
			it.cur = nil
			return
		}
		it.block = i
		it.cur = iterator.FromSlice(recs)
		if it.cur.HasNext() {
			return
		}
	}
	it.cur = nil
}

func (it *segmentIterator) HasNext() bool {
	if it.err != nil || it.done || it.cur == nil {
		return false
	}
	if !it.cur.HasNext() {
		it.load(it.block + 1)
		return it.cur != nil && it.cur.HasNext()
	}
	return true
}

func (it *segmentIterator) Next() record.Record {
	if !it.HasNext() {
		panic("persistence: Next called on exhausted iterator")
	}
	return it.cur.Next()
}

func (it *segmentIterator) Seek(target record.Record) {
	if it.err != nil || it.done {
		return
	}
	it.load(it.seg.blockFor(target))
	if it.cur != nil {
		it.cur.Seek(target)
	}
}

func (it *segmentIterator) Err() error {
	return it.err
}

func (it *segmentIterator) Close() error {
	if !it.done {
		it.done = true
		it.seg.unref()
	}
	return nil
}
