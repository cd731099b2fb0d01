package memtable

import (
	"iter"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/record"

	"github.com/zhangyunhao116/skipmap"
)

type orderedSet = skipmap.FuncMap[record.Record, record.Record]

// generation is one memtable instance. Records are keyed by themselves so
// that the (key, seqN) slot decides identity. Store on an existing slot
// keeps the old key, so readers must use the value.
type generation struct {
	set *orderedSet
}

func newGeneration() *generation {
	return &generation{
		set: skipmap.NewFunc[record.Record, record.Record](record.Less),
	}
}

// put stores r and returns the size of the record it replaced, if any.
func (g *generation) put(r record.Record) (replaced int64) {
	if old, ok := g.set.Load(r); ok {
		replaced = old.SerializedSize()
	}
	g.set.Store(r, r)
	return replaced
}

func (g *generation) len() int {
	return g.set.Len()
}

func (g *generation) iterator() iterator.Iterator {
	it := &generationIterator{gen: g}
	it.restart()
	return it
}

// generationIterator walks a generation lazily by pulling from its Range.
// A backward Seek restarts the walk.
type generationIterator struct {
	gen  *generation
	next func() (record.Record, record.Record, bool)
	stop func()

	cur record.Record
	ok  bool
}

func (it *generationIterator) restart() {
	if it.stop != nil {
		it.stop()
	}
	it.next, it.stop = iter.Pull2(iter.Seq2[record.Record, record.Record](it.gen.set.Range))
	it.advance()
}

func (it *generationIterator) advance() {
	_, it.cur, it.ok = it.next()
}

func (it *generationIterator) HasNext() bool {
	return it.ok
}

func (it *generationIterator) Next() record.Record {
	if !it.ok {
		panic("memtable: Next called on exhausted iterator")
	}
	r := it.cur
	it.advance()
	return r
}

// Seek moves forward from the current position when target is not behind
// it; otherwise the walk restarts from the first record.
func (it *generationIterator) Seek(target record.Record) {
	if !it.ok || record.Less(target, it.cur) {
		it.restart()
	}
	for it.ok && record.Less(it.cur, target) {
		it.advance()
	}
}

func (it *generationIterator) Err() error {
	return nil
}

func (it *generationIterator) Close() error {
	if it.stop != nil {
		it.stop()
		it.stop = nil
	}
	it.ok = false
	return nil
}
