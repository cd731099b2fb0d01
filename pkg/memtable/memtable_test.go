package memtable

import (
	"context"
	"errors"
	"fmt"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/record"
	"lsmkv/pkg/wal"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink unavailable")

type fakeLog struct {
	appendErr  error
	appended   atomic.Int32
	rotations  atomic.Int32
	reconciles atomic.Int32
}

func (l *fakeLog) Append(context.Context, record.Record) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	l.appended.Add(1)
	return nil
}

func (l *fakeLog) Rotate() error {
	l.rotations.Add(1)
	return nil
}

func (l *fakeLog) Reconcile() error {
	l.reconciles.Add(1)
	return nil
}

type stubSink struct {
	failFirst int32
	release   chan struct{}

	calls atomic.Int32

	mu      sync.Mutex
	flushed []record.Record
}

func (s *stubSink) Flush(ctx context.Context, it iterator.Iterator) error {
	n := s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failFirst < 0 || n <= s.failFirst {
		return errSink
	}

	recs, err := iterator.Drain(it)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.flushed = append(s.flushed, recs...)
	s.mu.Unlock()
	return nil
}

func newTestMemtable(t *testing.T, cfg Config, log Log, sink Sink) *Memtable {
	t.Helper()
	mt := New(cfg, log, sink, nil)
	mt.Start(context.Background())
	t.Cleanup(mt.Stop)
	return mt
}

func lookup(t *testing.T, mt *Memtable, key string) (record.Record, bool) {
	t.Helper()
	it := mt.Iterator()
	defer it.Close()

	it.Seek(record.SeekKey([]byte(key)))
	if !it.HasNext() {
		return record.Record{}, false
	}
	r := it.Next()
	return r, string(r.Key) == key
}

func sumSizes(t *testing.T, it iterator.Iterator) int64 {
	t.Helper()
	defer it.Close()
	recs, err := iterator.Drain(it)
	require.NoError(t, err)

	var total int64
	for _, r := range recs {
		total += r.SerializedSize()
	}
	return total
}

func TestInsert_ExactAccounting(t *testing.T) {
	mt := newTestMemtable(t, Config{MaxSizeBytes: 1 << 20}, &fakeLog{}, &stubSink{})
	ctx := context.Background()

	require.NoError(t, mt.Insert(ctx, record.Put([]byte("a"), []byte("one"), 1), true))
	require.NoError(t, mt.Insert(ctx, record.Put([]byte("b"), []byte("two"), 2), true))
	require.NoError(t, mt.Insert(ctx, record.Delete([]byte("a"), 3), true))
	require.Equal(t, sumSizes(t, mt.ActiveIterator()), mt.Size())

	// same slot: the replaced record's size is given back
	require.NoError(t, mt.Insert(ctx, record.Put([]byte("b"), []byte("a much longer value"), 2), true))
	require.Equal(t, sumSizes(t, mt.ActiveIterator()), mt.Size())

	r, ok := lookup(t, mt, "b")
	require.True(t, ok)
	require.Equal(t, "a much longer value", string(r.Value))
}

func TestInsert_LogFailureNotApplied(t *testing.T) {
	log := &fakeLog{appendErr: errors.New("disk gone")}
	mt := newTestMemtable(t, Config{}, log, &stubSink{})

	err := mt.Insert(context.Background(), record.Put([]byte("a"), []byte("1"), 1), true)
	require.ErrorIs(t, err, dberrors.ErrLogUnavailable)
	require.Zero(t, mt.Size())

	_, ok := lookup(t, mt, "a")
	require.False(t, ok)
}

func TestIterator_OrderAcrossGenerations(t *testing.T) {
	sink := &stubSink{release: make(chan struct{})}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 64}, &fakeLog{}, sink)
	defer close(sink.release)
	ctx := context.Background()

	seqN := uint64(0)
	put := func(k string) {
		seqN++
		require.NoError(t, mt.Insert(ctx, record.Put([]byte(k), []byte("value"), seqN), true))
	}

	// crosses the limit and leaves these in the snapshot
	put("m")
	put("c")
	put("x")
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, mt.Flushing())

	put("c")
	put("a")
	put("b")

	it := mt.Iterator()
	defer it.Close()
	recs, err := iterator.Drain(it)
	require.NoError(t, err)
	require.Len(t, recs, 6)

	for i := 1; i < len(recs); i++ {
		require.Negative(t, record.Compare(recs[i-1], recs[i]), "%v before %v", recs[i-1], recs[i])
	}

	var cs []uint64
	for _, r := range recs {
		if string(r.Key) == "c" {
			cs = append(cs, r.SeqN)
		}
	}
	require.Equal(t, []uint64{4, 2}, cs)
}

func TestIterator_Seek(t *testing.T) {
	mt := newTestMemtable(t, Config{}, &fakeLog{}, &stubSink{})
	ctx := context.Background()
	for i, k := range []string{"a", "c", "e"} {
		require.NoError(t, mt.Insert(ctx, record.Put([]byte(k), nil, uint64(i+1)), true))
	}

	it := mt.Iterator()
	defer it.Close()

	it.Seek(record.SeekKey([]byte("b")))
	require.True(t, it.HasNext())
	require.Equal(t, "c", string(it.Next().Key))

	it.Seek(record.SeekKey([]byte("a")))
	require.Equal(t, "a", string(it.Next().Key))

	it.Seek(record.SeekKey([]byte("z")))
	require.False(t, it.HasNext())
}

func TestGeneration_SeekForwardAndBack(t *testing.T) {
	g := newGeneration()
	for i, k := range []string{"a", "c", "e", "g"} {
		g.put(record.Put([]byte(k), []byte(k), uint64(i+1)))
	}
	// same slot, new value
	g.put(record.Put([]byte("c"), []byte("c2"), 2))

	it := g.iterator()
	defer it.Close()

	it.Seek(record.SeekKey([]byte("b")))
	require.Equal(t, "c2", string(it.Next().Value))

	it.Seek(record.SeekKey([]byte("f")))
	require.Equal(t, "g", string(it.Next().Key))
	require.False(t, it.HasNext())

	it.Seek(record.SeekKey([]byte("d")))
	require.Equal(t, "e", string(it.Next().Key))

	it.Seek(record.SeekKey([]byte("a")))
	require.Equal(t, "a", string(it.Next().Key))
	require.Equal(t, "c2", string(it.Next().Value))
}

func TestFlush_ExampleThreshold(t *testing.T) {
	sink := &stubSink{release: make(chan struct{})}
	log := &fakeLog{}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 1024}, log, sink)
	ctx := context.Background()

	// 20 records of 55 bytes each
	var total int64
	for i := 0; i < 20; i++ {
		r := record.Put([]byte(fmt.Sprintf("key-%02d", i)), make([]byte, 32), uint64(i+1))
		r.Value[0] = byte(i)
		total += r.SerializedSize()

		require.NoError(t, mt.Insert(ctx, r, true))
	}
	require.EqualValues(t, 1100, total)

	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, log.rotations.Load())

	// readable while the flush is in progress
	for i := 0; i < 20; i++ {
		r, ok := lookup(t, mt, fmt.Sprintf("key-%02d", i))
		require.True(t, ok)
		require.Equal(t, byte(i), r.Value[0])
	}

	close(sink.release)
	require.Eventually(t, func() bool { return !mt.Flushing() }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, sink.calls.Load())
	require.EqualValues(t, 1, log.reconciles.Load())
	require.Len(t, sink.flushed, 19)
}

func TestFlush_SingleFlushUnderConcurrentWriters(t *testing.T) {
	sink := &stubSink{release: make(chan struct{})}
	log := &fakeLog{}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 512}, log, sink)

	var (
		seqN     atomic.Uint64
		rejected atomic.Int32
		wg       sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := seqN.Add(1)
				err := mt.Insert(context.Background(), record.Put([]byte(fmt.Sprintf("k%d", n)), []byte("v"), n), true)
				switch {
				case errors.Is(err, dberrors.ErrMemtableFull):
					rejected.Add(1)
				case err != nil:
					t.Errorf("insert %d: %v", n, err)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, log.rotations.Load())
	require.Positive(t, rejected.Load())
	require.True(t, mt.Flushing())

	close(sink.release)
	require.Eventually(t, func() bool { return log.reconciles.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestFlush_RetriesThenSucceeds(t *testing.T) {
	const retries = 3
	sink := &stubSink{failFirst: retries - 1}
	log := &fakeLog{}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 10, FlushMaxRetries: retries, FlushRetryBackoff: time.Millisecond}, log, sink)

	require.NoError(t, mt.Insert(context.Background(), record.Put([]byte("key"), []byte("value"), 1), true))

	require.Eventually(t, func() bool { return !mt.Flushing() }, time.Second, time.Millisecond)
	require.EqualValues(t, retries, sink.calls.Load())
	require.EqualValues(t, 1, log.reconciles.Load())
	require.False(t, mt.Stuck())
}

func TestFlush_StuckAfterExhaustingRetries(t *testing.T) {
	const retries = 4
	stuckErr := make(chan error, 1)
	sink := &stubSink{failFirst: -1}
	log := &fakeLog{}
	mt := newTestMemtable(t, Config{
		MaxSizeBytes:    10,
		FlushMaxRetries: retries,
		OnFlushStuck:    func(err error) { stuckErr <- err },
	}, log, sink)
	ctx := context.Background()

	require.NoError(t, mt.Insert(ctx, record.Put([]byte("key"), []byte("value"), 1), true))

	select {
	case err := <-stuckErr:
		require.ErrorIs(t, err, dberrors.ErrFlushStuck)
		require.ErrorIs(t, err, errSink)
	case <-time.After(time.Second):
		t.Fatal("flush did not get stuck")
	}
	require.True(t, mt.Stuck())
	require.True(t, mt.Flushing())
	require.EqualValues(t, retries, sink.calls.Load())
	require.Zero(t, log.reconciles.Load())

	// snapshot still readable
	_, ok := lookup(t, mt, "key")
	require.True(t, ok)

	// fill the new active generation; the next write is rejected
	require.NoError(t, mt.Insert(ctx, record.Put([]byte("other"), []byte("value"), 2), true))
	err := mt.Insert(ctx, record.Put([]byte("third"), []byte("value"), 3), true)
	require.ErrorIs(t, err, dberrors.ErrMemtableFull)
	require.ErrorIs(t, err, dberrors.ErrFlushStuck)
	require.EqualValues(t, retries, sink.calls.Load())

	sink.failFirst = 0
	require.NoError(t, mt.RetryFlush(ctx))
	require.False(t, mt.Stuck())

	// the retry admits the flush of the generation that filled up meanwhile
	require.Eventually(t, func() bool { return !mt.Flushing() }, time.Second, time.Millisecond)
	require.EqualValues(t, 2, log.reconciles.Load())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.flushed, 2)
}

func TestReplay_DoesNotFlush(t *testing.T) {
	sink := &stubSink{}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 10}, &fakeLog{}, sink)

	mt.Replay(record.Put([]byte("a"), []byte("value"), 1))
	mt.Replay(record.Put([]byte("b"), []byte("value"), 2))
	require.False(t, mt.Flushing())
	require.Zero(t, sink.calls.Load())

	mt.MaybeFlush()
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 && !mt.Flushing() }, time.Second, time.Millisecond)
}

func TestFlush_RemovesPreLog(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w, err := wal.Open(fsys, wal.Config{Dir: "/wal", DrainInterval: time.Hour}, nil)
	require.NoError(t, err)
	defer w.Close()

	sink := &stubSink{release: make(chan struct{})}
	mt := newTestMemtable(t, Config{MaxSizeBytes: 30}, w, sink)
	ctx := context.Background()

	require.NoError(t, mt.Insert(ctx, record.Put([]byte("a"), []byte("value"), 1), true))
	require.NoError(t, mt.Insert(ctx, record.Put([]byte("b"), []byte("value"), 2), true))
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, wal.PhaseRotated, w.Phase())

	ok, err := afero.Exists(fsys, "/wal/wal.pre")
	require.NoError(t, err)
	require.True(t, ok)

	close(sink.release)
	require.Eventually(t, func() bool { return !mt.Flushing() }, time.Second, time.Millisecond)

	ok, err = afero.Exists(fsys, "/wal/wal.pre")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, wal.PhaseActive, w.Phase())
}
