package iterator

import (
	"errors"
	"fmt"
	"lsmkv/pkg/record"
	"testing"
)

func keys(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = fmt.Sprintf("%s@%d", r.Key, r.SeqN)
	}
	return out
}

func assertKeys(t *testing.T, got []record.Record, want ...string) {
	t.Helper()
	g := keys(got)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

func put(k string, seqN uint64) record.Record {
	return record.Put([]byte(k), []byte(k), seqN)
}

func TestMerge_Ordering(t *testing.T) {
	a := FromSlice([]record.Record{put("a", 1), put("c", 5), put("e", 2)})
	b := FromSlice([]record.Record{put("b", 3), put("c", 7), put("d", 4)})

	got, err := Drain(Merge(a, b))
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	assertKeys(t, got, "a@1", "b@3", "c@7", "c@5", "d@4", "e@2")
}

func TestMerge_NoDedup(t *testing.T) {
	a := FromSlice([]record.Record{put("k", 2)})
	b := FromSlice([]record.Record{put("k", 2), put("k", 1)})

	got, _ := Drain(Merge(a, b))
	assertKeys(t, got, "k@2", "k@2", "k@1")
}

func TestMerge_Seek(t *testing.T) {
	a := FromSlice([]record.Record{put("a", 1), put("c", 5), put("e", 2)})
	b := FromSlice([]record.Record{put("b", 3), put("c", 7), put("d", 4)})
	m := Merge(a, b)

	// consume a few, then seek backwards: seek restarts every input
	m.Next()
	m.Next()
	m.Seek(record.SeekKey([]byte("c")))
	got, _ := Drain(m)
	assertKeys(t, got, "c@7", "c@5", "d@4", "e@2")

	m.Seek(put("c", 6))
	got, _ = Drain(m)
	assertKeys(t, got, "c@5", "d@4", "e@2")

	m.Seek(record.SeekKey([]byte("z")))
	if m.HasNext() {
		t.Fatal("expected exhausted iterator after seeking past the end")
	}
}

func TestMerge_EmptyInputs(t *testing.T) {
	m := Merge(Empty(), FromSlice(nil))
	if m.HasNext() {
		t.Fatal("expected no records")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

type failingIterator struct {
	Iterator
	err error
}

func (f failingIterator) Err() error { return f.err }

func TestMerge_PropagatesErr(t *testing.T) {
	boom := errors.New("boom")
	m := Merge(FromSlice(nil), failingIterator{Iterator: Empty(), err: boom})
	if !errors.Is(m.Err(), boom) {
		t.Fatalf("expected boom, got %v", m.Err())
	}
}

func TestDedup(t *testing.T) {
	in := FromSlice([]record.Record{
		put("a", 3), put("a", 1),
		record.Delete([]byte("b"), 9), put("b", 4),
		put("c", 2),
	})

	got, _ := Drain(Dedup(in, false))
	assertKeys(t, got, "a@3", "b@9", "c@2")

	in.Seek(record.SeekKey(nil))
	got, _ = Drain(Dedup(in, true))
	assertKeys(t, got, "a@3", "c@2")
}

func TestDedup_Seek(t *testing.T) {
	d := Dedup(FromSlice([]record.Record{put("a", 3), put("b", 2), put("b", 1), put("c", 1)}), false)
	d.Seek(put("b", 1))
	got, _ := Drain(d)
	assertKeys(t, got, "b@2", "c@1")
}
